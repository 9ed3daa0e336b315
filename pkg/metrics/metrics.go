// Package metrics provides the centralized Prometheus registry reference
// for the rendition client. All metrics are defined in their respective
// packages (retry, transport, journal, correlator) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the rendition client.
// All metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/transport):
//   - rendition_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - rendition_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//
// Retry Metrics (pkg/retry):
//   - rendition_retries_total{endpoint} (Counter): Retry attempts by endpoint
//   - rendition_retry_backoff_seconds{endpoint} (Histogram): Backoff duration by endpoint
//   - rendition_retry_exhausted_total{endpoint} (Counter): Calls that exhausted their retry budget
//
// Journal Metrics (pkg/journal):
//   - rendition_journal_events_total{type} (Counter): Journal events received by event type
//   - rendition_journal_poll_errors_total (Counter): Failed journal poll rounds
//
// Correlation Metrics (pkg/correlator):
//   - rendition_pending_renditions (Gauge): Renditions requested but not yet reported back
//   - rendition_protocol_violations_total (Counter): Malformed or duplicate event deliveries
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   sum(rate(rendition_requests_total{status!~"2.."}[5m])) /
//   sum(rate(rendition_requests_total[5m]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(rendition_request_duration_seconds_bucket[5m]))
//
//   # Rate Limit Pressure
//   rate(rendition_retries_total[5m])
//
//   # Stuck Work
//   rendition_pending_renditions > 0
