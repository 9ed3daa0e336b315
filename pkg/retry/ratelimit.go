package retry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RateLimitError represents an HTTP 429 response from the rendition service.
// The retry engine recognizes it by type, never by message matching.
type RateLimitError struct {
	// StatusCode is always http.StatusTooManyRequests.
	StatusCode int

	// Message is the human-readable description from the response.
	Message string

	// RetryAfter is the wait requested by the service via the retry-after
	// header. Zero when the header was absent or unparseable; callers fall
	// back to the randomized default backoff in that case.
	RetryAfter time.Duration
}

// NewRateLimitError creates a RateLimitError from a message and the raw
// retry-after header value.
//
// The header is parsed first as an integer second count, then as an HTTP
// date converted to a relative wait. An explicit zero and a date already in
// the past both clamp to one second. Anything else leaves RetryAfter unset.
func NewRateLimitError(message, retryAfter string) *RateLimitError {
	e := &RateLimitError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
	}

	if retryAfter == "" {
		return e
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		switch {
		case seconds > 0:
			e.RetryAfter = time.Duration(seconds) * time.Second
		case seconds == 0:
			// an explicit zero means retry now, clamp like a past date
			// rather than falling back to the long randomized wait
			e.RetryAfter = 1 * time.Second
		}
		return e
	}

	if target, err := http.ParseTime(retryAfter); err == nil {
		wait := time.Until(target).Round(time.Second)
		if wait <= 0 {
			wait = 1 * time.Second
		}
		e.RetryAfter = wait
	}

	return e
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d): %s (retry after %s)",
			e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d): %s", e.StatusCode, e.Message)
}
