// Package journal implements the event-stream side of the rendition
// service: event types delivered on the polled journal, and an HTTP poller
// that turns the journal into a channel-based event source.
package journal

// Event types delivered on the journal.
const (
	// EventTypeRenditionCreated signals one successfully produced rendition.
	EventTypeRenditionCreated = "rendition_created"

	// EventTypeRenditionFailed signals one failed rendition.
	EventTypeRenditionFailed = "rendition_failed"
)

// Event is one completion or failure notification for a single rendition.
type Event struct {
	// Type is rendition_created or rendition_failed.
	Type string `json:"type"`

	// RequestID identifies the process call that produced this event.
	RequestID string `json:"requestId"`

	// UserData is the batch-level user data echoed back by the service,
	// including the client identity tag.
	UserData map[string]any `json:"userData,omitempty"`

	// Rendition carries the per-rendition echo, including the stamped
	// index and length correlation metadata.
	Rendition EventRendition `json:"rendition"`

	// ErrorReason is set on rendition_failed events.
	ErrorReason string `json:"errorReason,omitempty"`

	// ErrorMessage is set on rendition_failed events.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// EventRendition is the rendition echo inside an event.
type EventRendition struct {
	Name     string         `json:"name,omitempty"`
	Fmt      string         `json:"fmt,omitempty"`
	UserData map[string]any `json:"userData,omitempty"`
}

// Failed reports whether the event signals a failed rendition.
func (e Event) Failed() bool {
	return e.Type == EventTypeRenditionFailed
}

// Source is a running event subscription. The lifecycle client consumes
// this interface only, so tests can substitute a fake source.
type Source interface {
	// Events returns the channel the source delivers events on. The
	// channel is closed when the source stops.
	Events() <-chan Event

	// Errors returns the channel transient polling failures are reported
	// on. Errors never stop the source.
	Errors() <-chan error

	// Stop tears down the subscription. Safe to call more than once.
	Stop()
}
