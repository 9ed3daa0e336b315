// Package retry implements the 429 backpressure engine that wraps all
// rendition service endpoint calls, plus the rate-limit error type it
// retries on.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendition_retries_total",
		Help: "Total number of retry attempts by endpoint",
	}, []string{"endpoint"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rendition_retry_backoff_seconds",
		Help:    "Backoff duration before retries by endpoint",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rendition_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted by endpoint",
	}, []string{"endpoint"})
)

// Common errors returned by the retry engine.
var (
	// ErrRetryExhausted is returned when the retry budget is exhausted.
	// The original rate-limit error's message is included as text only;
	// its identity is not preserved through the wrap.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during
	// a backoff wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// Default backoff bounds when a 429 carries no usable retry-after value.
const (
	fallbackBackoffMin = 30 * time.Second
	fallbackBackoffMax = 60 * time.Second
)

// Options holds the per-call retry budget.
type Options struct {
	// MaxAttempts is the maximum number of retries after the initial call.
	// MaxAttempts of 1 yields at most 2 calls in total.
	MaxAttempts int

	// Disabled turns retrying off entirely; the first error propagates.
	Disabled bool
}

// DefaultOptions returns the default retry budget.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 4,
		Disabled:    false,
	}
}

// Merge overlays non-zero caller overrides onto o and returns the result.
// A fresh budget is computed per invocation; nothing is persisted.
func (o Options) Merge(override *Options) Options {
	if override == nil {
		return o
	}
	merged := o
	if override.MaxAttempts > 0 {
		merged.MaxAttempts = override.MaxAttempts
	}
	if override.Disabled {
		merged.Disabled = true
	}
	return merged
}

// Do invokes fn, retrying on rate-limit errors until the budget is spent.
//
// Only *RateLimitError is retried; every other error propagates unchanged,
// identity and message intact. The backoff before each retry is the wait
// carried by the error plus up to 999ms of jitter, or a uniformly random
// duration between 30s and 60s when the error carries no wait.
//
// After the final failed attempt Do returns an error wrapping
// ErrRetryExhausted whose message states the total number of attempts made.
func Do(ctx context.Context, endpoint string, opts Options, fn func(ctx context.Context) error) error {
	var lastErr error

	// attempt 0 is the initial call; each further iteration is a retry
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err

		var rle *RateLimitError
		if opts.Disabled || !errors.As(err, &rle) {
			return lastErr
		}

		if attempt >= opts.MaxAttempts {
			break
		}

		backoff := backoffFor(rle)
		retriesTotal.WithLabelValues(endpoint).Inc()
		retryBackoffSeconds.WithLabelValues(endpoint).Observe(backoff.Seconds())

		log.Warn().
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Rate limited, retrying after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(backoff):
		}
	}

	attempts := opts.MaxAttempts + 1
	retryExhaustedTotal.WithLabelValues(endpoint).Inc()
	log.Warn().
		Str("endpoint", endpoint).
		Int("attempts", attempts).
		Msg("Retry budget exhausted")

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempts, lastErr)
}

// backoffFor computes the wait before the next attempt.
func backoffFor(err *RateLimitError) time.Duration {
	if err.RetryAfter > 0 {
		// sub-second jitter avoids thundering-herd synchronization
		return err.RetryAfter + time.Duration(rand.Intn(1000))*time.Millisecond
	}
	spread := fallbackBackoffMax - fallbackBackoffMin
	return fallbackBackoffMin + time.Duration(rand.Int63n(int64(spread)))
}
