// Package correlator bridges outgoing process requests to incoming journal
// events. It stamps renditions with correlation metadata, matches each event
// back to the request and slot that produced it, tracks the pending-work
// counter, and provides the bounded wait primitives.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/renditionlab/rendition-client/pkg/journal"
	"github.com/renditionlab/rendition-client/pkg/logging"
	"github.com/renditionlab/rendition-client/pkg/transport"
)

// Prometheus metrics for correlation state.
var (
	pendingRenditions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rendition_pending_renditions",
		Help: "Number of renditions submitted and not yet reported back",
	})

	protocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendition_protocol_violations_total",
		Help: "Total inbound events with missing, malformed, or duplicate correlation metadata",
	})
)

// Correlation metadata keys stamped into outgoing payloads and echoed back
// on journal events.
const (
	KeyClientID = "clientId"
	KeyUserData = "userData"
	KeyIndex    = "index"
	KeyLength   = "length"
)

// Common errors returned by the correlator.
var (
	// ErrTimeout is returned when a bounded wait exceeds its budget.
	// Partially collected results are discarded.
	ErrTimeout = errors.New("wait timed out")

	// ErrUnknownRequest is returned by WaitActivation for a request
	// identifier the correlator is not tracking.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrInternalConsistency is reported through the error channel when
	// the pending-work counter underflows. The event path keeps running.
	ErrInternalConsistency = errors.New("pending counter underflow")
)

// ProtocolViolationError reports an inbound event whose correlation
// metadata the remote side failed to echo back correctly. It is fatal to
// the affected WaitActivation only, never to the event source.
type ProtocolViolationError struct {
	RequestID string
	Reason    string
}

// Error implements the error interface.
func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation for request %s: %s", e.RequestID, e.Reason)
}

// record tracks one in-flight batch: the ordered result slots and the
// countdown to completion. done is closed exactly once, either when every
// slot is filled or when a protocol violation fails the batch.
type record struct {
	expected  int
	slots     []*journal.Event
	remaining int
	violation error
	done      chan struct{}
}

// settle closes done once.
func (r *record) settle() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Correlator is the per-client correlation state. All mutation happens
// under one mutex so concurrent process calls and the event-delivery
// goroutine preserve the counter invariants.
type Correlator struct {
	clientID string
	logger   zerolog.Logger

	mu      sync.Mutex
	pending int
	records map[string]*record
	drained []chan struct{}

	errs chan error
}

// New creates a correlator for the given client identity.
func New(clientID string) *Correlator {
	return &Correlator{
		clientID: clientID,
		logger:   logging.NewLogger("correlator"),
		records:  make(map[string]*record),
		errs:     make(chan error, 16),
	}
}

// ClientID returns the identity used to filter the shared event stream.
func (c *Correlator) ClientID() string {
	return c.clientID
}

// Errors returns the channel internal-consistency faults are reported on.
// The caller decides whether to treat them as fatal.
func (c *Correlator) Errors() <-chan error {
	return c.errs
}

// Pending returns the current pending-work counter value.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// StampBatch wraps the caller's batch user data with the client identity.
// The caller's value is nested untouched; a new map is returned.
func (c *Correlator) StampBatch(userData map[string]any) map[string]any {
	stamped := map[string]any{
		KeyClientID: c.clientID,
	}
	if userData != nil {
		stamped[KeyUserData] = userData
	}
	return stamped
}

// StampRenditions copies each rendition and injects its position and the
// batch size into the copy's user data. Caller-supplied renditions are
// never mutated.
func (c *Correlator) StampRenditions(renditions []transport.Rendition) []transport.Rendition {
	stamped := make([]transport.Rendition, len(renditions))
	for i, r := range renditions {
		clone := r.Clone()
		if clone.UserData == nil {
			clone.UserData = make(map[string]any, 2)
		}
		clone.UserData[KeyIndex] = i
		clone.UserData[KeyLength] = len(renditions)
		stamped[i] = clone
	}
	return stamped
}

// Track registers a request record after a successful process call and
// raises the pending-work counter by the batch size.
func (c *Correlator) Track(requestID string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[requestID] = &record{
		expected:  count,
		slots:     make([]*journal.Event, count),
		remaining: count,
		done:      make(chan struct{}),
	}
	c.pending += count
	pendingRenditions.Set(float64(c.pending))

	c.logger.Debug().
		Str("request_id", requestID).
		Int("renditions", count).
		Int("pending", c.pending).
		Msg("Tracking request")
}

// Deliver processes one inbound journal event. Events tagged for other
// clients on the shared stream are ignored. Matching events decrement the
// pending-work counter, fill their result slot, and fire the drained
// signal when nothing remains outstanding.
//
// Deliver never fails the event source: correlation faults surface on the
// error channel or through the affected waiter instead.
func (c *Correlator) Deliver(ev journal.Event) {
	if clientID, ok := ev.UserData[KeyClientID].(string); !ok || clientID != c.clientID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	if c.pending < 0 {
		// pin at zero so Wait still terminates; the fault is reported,
		// not thrown, to keep the delivery path alive
		c.pending = 0
		c.reportConsistencyFault(ev.RequestID)
	}
	pendingRenditions.Set(float64(c.pending))

	if c.pending == 0 {
		for _, ch := range c.drained {
			close(ch)
		}
		c.drained = nil
	}

	rec, ok := c.records[ev.RequestID]
	if !ok {
		// late or orphaned event, counter bookkeeping only
		c.logger.Debug().
			Str("request_id", ev.RequestID).
			Msg("Event for untracked request ignored")
		return
	}
	if rec.violation != nil {
		return
	}

	index, err := c.eventIndex(ev, rec.expected)
	if err != nil {
		protocolViolationsTotal.Inc()
		c.logger.Warn().
			Str("request_id", ev.RequestID).
			Err(err).
			Msg("Protocol violation on inbound event")
		rec.violation = err
		rec.settle()
		return
	}

	if rec.slots[index] != nil {
		protocolViolationsTotal.Inc()
		rec.violation = &ProtocolViolationError{
			RequestID: ev.RequestID,
			Reason:    fmt.Sprintf("duplicate event for index %d", index),
		}
		c.logger.Warn().
			Str("request_id", ev.RequestID).
			Int("index", index).
			Msg("Duplicate slot fill")
		rec.settle()
		return
	}

	evCopy := ev
	rec.slots[index] = &evCopy
	rec.remaining--

	c.logger.Debug().
		Str("request_id", ev.RequestID).
		Str("type", ev.Type).
		Int("index", index).
		Int("remaining", rec.remaining).
		Msg("Slot filled")

	if rec.remaining == 0 {
		rec.settle()
	}
}

// eventIndex validates the echoed correlation metadata and returns the
// slot index. The remote side must always echo back what was sent, so any
// missing or malformed tag is a protocol violation.
func (c *Correlator) eventIndex(ev journal.Event, expected int) (int, error) {
	violation := func(reason string) (int, error) {
		return 0, &ProtocolViolationError{RequestID: ev.RequestID, Reason: reason}
	}

	if ev.Rendition.UserData == nil {
		return violation("rendition userData missing")
	}

	index, ok := metaInt(ev.Rendition.UserData[KeyIndex])
	if !ok {
		return violation("index tag missing or malformed")
	}
	length, ok := metaInt(ev.Rendition.UserData[KeyLength])
	if !ok {
		return violation("length tag missing or malformed")
	}
	if length != expected {
		return violation(fmt.Sprintf("length tag %d does not match batch size %d", length, expected))
	}
	if index < 0 || index >= expected {
		return violation(fmt.Sprintf("index %d out of range for batch size %d", index, expected))
	}
	return index, nil
}

// WaitActivation blocks until every rendition of the given request has
// reported, then returns the events index-aligned with the submitted
// renditions. It rejects with a ProtocolViolationError on malformed or
// duplicate events, and with ErrTimeout when the budget elapses; on every
// exit path the request record is destroyed and no listener remains.
func (c *Correlator) WaitActivation(ctx context.Context, requestID string, timeout time.Duration) ([]journal.Event, error) {
	c.mu.Lock()
	rec, ok := c.records[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	done := rec.done
	c.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return c.claim(requestID)
	case <-timer.C:
		c.discard(requestID)
		return nil, fmt.Errorf("%w for request %s after %v", ErrTimeout, requestID, time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		c.discard(requestID)
		return nil, fmt.Errorf("wait for request %s: %w", requestID, ctx.Err())
	}
}

// claim consumes a settled record, returning its ordered events or the
// violation that failed it.
func (c *Correlator) claim(requestID string) ([]journal.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[requestID]
	if !ok {
		// another waiter for the same request got here first
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(c.records, requestID)

	if rec.violation != nil {
		return nil, rec.violation
	}

	events := make([]journal.Event, len(rec.slots))
	for i, slot := range rec.slots {
		events[i] = *slot
	}
	return events, nil
}

// discard drops a record without returning results. Late events for the
// request are simply no longer observed.
func (c *Correlator) discard(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, requestID)
}

// Wait blocks until no work remains outstanding for this client. It
// returns immediately when the pending-work counter is already zero, and
// removes its drained listener on every exit path.
func (c *Correlator) Wait(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.pending == 0 {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.drained = append(c.drained, ch)
	c.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		// the drained signal may have fired in the same instant; report
		// success when the counter already reached zero
		if c.removeDrainedListener(ch) {
			return nil
		}
		return fmt.Errorf("%w waiting for drain after %v", ErrTimeout, time.Since(start).Round(time.Millisecond))
	case <-ctx.Done():
		c.removeDrainedListener(ch)
		return fmt.Errorf("wait for drain: %w", ctx.Err())
	}
}

// removeDrainedListener unregisters one drained waiter and reports whether
// the drain has already completed.
func (c *Correlator) removeDrainedListener(ch chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, registered := range c.drained {
		if registered == ch {
			c.drained = append(c.drained[:i], c.drained[i+1:]...)
			break
		}
	}
	return c.pending == 0
}

// reportConsistencyFault surfaces a counter underflow on the error channel
// without blocking delivery. Called with the mutex held.
func (c *Correlator) reportConsistencyFault(requestID string) {
	err := fmt.Errorf("%w on event for request %s", ErrInternalConsistency, requestID)
	c.logger.Error().
		Str("request_id", requestID).
		Msg("Pending counter underflow")
	select {
	case c.errs <- err:
	default:
		// no consumer listening, the log line above is the fallback
	}
}

// metaInt coerces an echoed correlation tag to an int. JSON decoding
// yields float64 for numbers; stamped values may still be native ints
// when events bypass serialization in tests.
func metaInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
