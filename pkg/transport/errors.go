package transport

import "fmt"

// TransportError represents a non-2xx, non-429 response from the rendition
// service. Status and body text are kept verbatim for diagnostics.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}
