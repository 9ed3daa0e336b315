// Package testutil provides testing utilities for the rendition client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/renditionlab/rendition-client/pkg/journal"
)

// MockResponse defines a canned response for a mock service endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockService is a configurable in-process rendition service for testing.
// It serves the register, process, and unregister endpoints plus a journal
// feed, auto-generating completion events for every submitted rendition.
type MockService struct {
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	counts   map[string]int
	queue    []journal.Event
	seq      int

	// AutoEvents controls whether process calls enqueue journal events
	// automatically (default true).
	AutoEvents bool

	// FailRenditions names renditions that report rendition_failed.
	FailRenditions map[string]bool

	// LastProcessBody holds the most recent decoded process payload.
	LastProcessBody map[string]any

	// LastRequestHeader holds the headers of the most recent request.
	LastRequestHeader http.Header
}

// NewMockService creates and starts a mock rendition service.
func NewMockService() *MockService {
	m := &MockService{
		handlers:       make(map[string]http.HandlerFunc),
		counts:         make(map[string]int),
		AutoEvents:     true,
		FailRenditions: make(map[string]bool),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.counts[r.URL.Path]++
		m.LastRequestHeader = r.Header.Clone()
		handler, exists := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		m.defaultHandler(w, r)
	}))

	return m
}

// URL returns the mock service base URL.
func (m *MockService) URL() string {
	return m.server.URL
}

// JournalURL returns the journal feed URL handed out by register.
func (m *MockService) JournalURL() string {
	return m.server.URL + "/journal"
}

// Close shuts down the mock service.
func (m *MockService) Close() {
	m.server.Close()
}

// Count returns the number of requests made to the given path.
func (m *MockService) Count(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// Reset clears counters and the journal queue.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.queue = nil
	m.LastProcessBody = nil
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockService) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a canned response for a path.
func (m *MockService) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RateLimitOnce makes the given path return 429 with the given retry-after
// value for the first call, then fall through to the default handler.
func (m *MockService) RateLimitOnce(path, retryAfter string) {
	first := true
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		limited := first
		first = false
		m.mu.Unlock()

		if limited {
			if retryAfter != "" {
				w.Header().Set("Retry-After", retryAfter)
			}
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		m.defaultHandler(w, r)
	})
}

// EmitEvent appends an arbitrary event to the journal feed.
func (m *MockService) EmitEvent(ev journal.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, ev)
}

// defaultHandler implements the stock service behavior.
func (m *MockService) defaultHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/register":
		m.writeJSON(w, map[string]any{
			"journal":   m.JournalURL(),
			"requestId": m.nextRequestID(),
		})

	case "/process":
		m.handleProcess(w, r)

	case "/unregister":
		m.writeJSON(w, map[string]any{
			"requestId": m.nextRequestID(),
		})

	case "/journal":
		m.handleJournal(w)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleProcess decodes the batch and enqueues one event per rendition,
// echoing back the batch userData and the stamped rendition userData.
func (m *MockService) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source     any              `json:"source"`
		Renditions []map[string]any `json:"renditions"`
		UserData   map[string]any   `json:"userData"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "bad process body: %v", err)
		return
	}

	requestID := m.nextRequestID()

	m.mu.Lock()
	raw, _ := json.Marshal(body)
	var echo map[string]any
	json.Unmarshal(raw, &echo)
	m.LastProcessBody = echo

	if m.AutoEvents {
		for _, rendition := range body.Renditions {
			name, _ := rendition["name"].(string)
			eventType := journal.EventTypeRenditionCreated
			if m.FailRenditions[name] {
				eventType = journal.EventTypeRenditionFailed
			}

			userData, _ := rendition["userData"].(map[string]any)
			m.queue = append(m.queue, journal.Event{
				Type:      eventType,
				RequestID: requestID,
				UserData:  body.UserData,
				Rendition: journal.EventRendition{
					Name:     name,
					UserData: userData,
				},
			})
		}
	}
	m.mu.Unlock()

	m.writeJSON(w, map[string]any{"requestId": requestID})
}

// handleJournal drains the queued events into one feed page.
func (m *MockService) handleJournal(w http.ResponseWriter) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	entries := make([]map[string]any, len(pending))
	for i, ev := range pending {
		entries[i] = map[string]any{"event": ev}
	}
	m.writeJSON(w, map[string]any{"events": entries})
}

// nextRequestID issues a fresh request identifier.
func (m *MockService) nextRequestID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("req-%d", m.seq)
}

// writeJSON writes a JSON response body.
func (m *MockService) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
