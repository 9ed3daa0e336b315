// Package transport implements the HTTP boundary to the rendition service:
// POSTs to the register, process, and unregister endpoints with bearer and
// organization headers, converting 429 responses into rate-limit errors.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/renditionlab/rendition-client/pkg/logging"
	"github.com/renditionlab/rendition-client/pkg/retry"
)

// Prometheus metrics for endpoint calls.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendition_requests_total",
		Help: "Total rendition service requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rendition_request_duration_seconds",
		Help:    "Rendition service request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})
)

// Endpoint paths on the rendition service.
const (
	EndpointRegister   = "/register"
	EndpointProcess    = "/process"
	EndpointUnregister = "/unregister"
)

// TokenProvider supplies the bearer token attached to every request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token string.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// Config holds the transport configuration.
type Config struct {
	// BaseURL of the rendition service, e.g. "https://renditions.example.com".
	BaseURL string

	// Tokens supplies the bearer token per request.
	Tokens TokenProvider

	// APIKey is sent as the x-api-key header.
	APIKey string

	// OrgID is sent as the x-org-id header.
	OrgID string

	// Timeout per HTTP request.
	Timeout time.Duration
}

// Client performs the raw endpoint calls. Retrying is layered on top by the
// lifecycle client; Client itself makes exactly one HTTP call per method.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a transport client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logging.NewLogger("transport"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Register calls POST /register and returns the journal handle.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.post(ctx, EndpointRegister, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Process calls POST /process with the given batch and returns the
// server-issued request identifier.
func (c *Client) Process(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	var out ProcessResponse
	if err := c.post(ctx, EndpointProcess, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unregister calls POST /unregister. A not-found response for a client that
// was never registered propagates as a TransportError with status 404.
func (c *Client) Unregister(ctx context.Context) (*UnregisterResponse, error) {
	var out UnregisterResponse
	if err := c.post(ctx, EndpointUnregister, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// post performs one JSON POST to the given endpoint and decodes the response.
func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", endpoint, err)
	}

	token, err := c.config.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}
	if c.config.OrgID != "" {
		req.Header.Set("x-org-id", c.config.OrgID)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Msg("Executing rendition service request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		c.logger.Warn().
			Str("endpoint", endpoint).
			Str("retry_after", retryAfter).
			Msg("Rate limited by rendition service")
		return retry.NewRateLimitError(fmt.Sprintf("%s rate limited", endpoint), retryAfter)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("Rendition service request error")
		return &TransportError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}

	return nil
}
