package correlator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/renditionlab/rendition-client/pkg/journal"
	"github.com/renditionlab/rendition-client/pkg/transport"
)

const testClientID = "client-abc"

// event builds a journal event tagged for the given client with echoed
// correlation metadata, the way the service reflects it back.
func event(clientID, requestID string, index, length int, failed bool) journal.Event {
	eventType := journal.EventTypeRenditionCreated
	if failed {
		eventType = journal.EventTypeRenditionFailed
	}
	return journal.Event{
		Type:      eventType,
		RequestID: requestID,
		UserData:  map[string]any{KeyClientID: clientID},
		Rendition: journal.EventRendition{
			UserData: map[string]any{KeyIndex: index, KeyLength: length},
		},
	}
}

func TestStampRenditions_DoesNotMutateOriginals(t *testing.T) {
	c := New(testClientID)

	originals := []transport.Rendition{
		{Name: "a.png", UserData: map[string]any{"caller": "value"}},
		{Name: "b.png"},
	}

	stamped := c.StampRenditions(originals)

	if len(stamped) != 2 {
		t.Fatalf("Expected 2 stamped renditions, got %d", len(stamped))
	}
	for i, r := range stamped {
		if got, _ := metaInt(r.UserData[KeyIndex]); got != i {
			t.Errorf("Rendition %d index tag = %v, want %d", i, r.UserData[KeyIndex], i)
		}
		if got, _ := metaInt(r.UserData[KeyLength]); got != 2 {
			t.Errorf("Rendition %d length tag = %v, want 2", i, r.UserData[KeyLength])
		}
	}

	if _, tagged := originals[0].UserData[KeyIndex]; tagged {
		t.Error("Stamping must not mutate the caller's rendition")
	}
	if originals[1].UserData != nil {
		t.Error("Stamping must not attach user data to the caller's rendition")
	}
	if stamped[0].UserData["caller"] != "value" {
		t.Error("Caller-supplied user data should be preserved in the copy")
	}
}

func TestStampBatch(t *testing.T) {
	c := New(testClientID)

	callerData := map[string]any{"job": "42"}
	stamped := c.StampBatch(callerData)

	if stamped[KeyClientID] != testClientID {
		t.Errorf("clientId tag = %v, want %s", stamped[KeyClientID], testClientID)
	}
	nested, ok := stamped[KeyUserData].(map[string]any)
	if !ok || nested["job"] != "42" {
		t.Errorf("Caller data should nest untouched, got %v", stamped[KeyUserData])
	}
	if _, tagged := callerData[KeyClientID]; tagged {
		t.Error("Stamping must not mutate the caller's user data")
	}
}

func TestWaitActivation_OutOfOrderEvents(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 3)

	// deliver in reverse order
	go func() {
		for _, i := range []int{2, 0, 1} {
			c.Deliver(event(testClientID, "req-1", i, 3, i == 1))
		}
	}()

	events, err := c.WaitActivation(context.Background(), "req-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitActivation failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		index, _ := metaInt(ev.Rendition.UserData[KeyIndex])
		if index != i {
			t.Errorf("Slot %d holds event with index %d", i, index)
		}
	}
	if !events[1].Failed() {
		t.Error("Slot 1 should hold the failed event")
	}

	if c.Pending() != 0 {
		t.Errorf("Pending = %d after all events, want 0", c.Pending())
	}
}

func TestPendingCounter_SumsAcrossBatches(t *testing.T) {
	c := New(testClientID)

	c.Track("req-1", 2)
	c.Track("req-2", 3)

	if c.Pending() != 5 {
		t.Fatalf("Pending = %d, want 5", c.Pending())
	}

	for i := 0; i < 2; i++ {
		c.Deliver(event(testClientID, "req-1", i, 2, false))
	}
	if c.Pending() != 3 {
		t.Errorf("Pending = %d after first batch, want 3", c.Pending())
	}

	for i := 0; i < 3; i++ {
		c.Deliver(event(testClientID, "req-2", i, 3, false))
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after all events, want 0", c.Pending())
	}
}

func TestDeliver_ForeignClientIgnored(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 1)

	c.Deliver(event("someone-else", "req-1", 0, 1, false))

	if c.Pending() != 1 {
		t.Errorf("Foreign event must not touch the counter, pending = %d", c.Pending())
	}

	c.Deliver(journal.Event{Type: journal.EventTypeRenditionCreated, RequestID: "req-1"})
	if c.Pending() != 1 {
		t.Errorf("Untagged event must not touch the counter, pending = %d", c.Pending())
	}
}

func TestDeliver_DuplicateSlotFill(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 2)

	c.Deliver(event(testClientID, "req-1", 0, 2, false))
	c.Deliver(event(testClientID, "req-1", 0, 2, false))

	_, err := c.WaitActivation(context.Background(), "req-1", time.Second)

	var violation *ProtocolViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected ProtocolViolationError for duplicate fill, got %v", err)
	}
}

func TestDeliver_MalformedMetadata(t *testing.T) {
	tests := []struct {
		name     string
		userData map[string]any
	}{
		{"missing userData", nil},
		{"missing index", map[string]any{KeyLength: 1}},
		{"missing length", map[string]any{KeyIndex: 0}},
		{"non-numeric index", map[string]any{KeyIndex: "0", KeyLength: 1}},
		{"fractional index", map[string]any{KeyIndex: 0.5, KeyLength: 1.0}},
		{"index out of range", map[string]any{KeyIndex: 5, KeyLength: 1}},
		{"length mismatch", map[string]any{KeyIndex: 0, KeyLength: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testClientID)
			c.Track("req-1", 1)

			c.Deliver(journal.Event{
				Type:      journal.EventTypeRenditionCreated,
				RequestID: "req-1",
				UserData:  map[string]any{KeyClientID: testClientID},
				Rendition: journal.EventRendition{UserData: tt.userData},
			})

			_, err := c.WaitActivation(context.Background(), "req-1", time.Second)

			var violation *ProtocolViolationError
			if !errors.As(err, &violation) {
				t.Fatalf("Expected ProtocolViolationError, got %v", err)
			}
		})
	}
}

func TestDeliver_JSONDecodedNumbers(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 2)

	// journal pages decode numbers as float64
	for i := 0; i < 2; i++ {
		c.Deliver(journal.Event{
			Type:      journal.EventTypeRenditionCreated,
			RequestID: "req-1",
			UserData:  map[string]any{KeyClientID: testClientID},
			Rendition: journal.EventRendition{
				UserData: map[string]any{KeyIndex: float64(i), KeyLength: float64(2)},
			},
		})
	}

	events, err := c.WaitActivation(context.Background(), "req-1", time.Second)
	if err != nil {
		t.Fatalf("WaitActivation failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}
}

func TestDeliver_UnderflowReportedNotThrown(t *testing.T) {
	c := New(testClientID)

	// event with no tracked work at all
	c.Deliver(event(testClientID, "req-ghost", 0, 1, false))

	select {
	case err := <-c.Errors():
		if !errors.Is(err, ErrInternalConsistency) {
			t.Errorf("Expected ErrInternalConsistency, got %v", err)
		}
	default:
		t.Fatal("Underflow should be reported on the error channel")
	}

	if c.Pending() != 0 {
		t.Errorf("Counter should pin at zero after underflow, got %d", c.Pending())
	}

	// delivery path must stay alive
	c.Track("req-1", 1)
	c.Deliver(event(testClientID, "req-1", 0, 1, false))
	if _, err := c.WaitActivation(context.Background(), "req-1", time.Second); err != nil {
		t.Errorf("Delivery should continue after a consistency fault: %v", err)
	}
}

func TestWaitActivation_Timeout(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 2)

	// only one of two events arrives
	c.Deliver(event(testClientID, "req-1", 0, 2, false))

	start := time.Now()
	events, err := c.WaitActivation(context.Background(), "req-1", 50*time.Millisecond)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if events != nil {
		t.Error("Partial results must be discarded on timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout took %v, want ~50ms", elapsed)
	}

	// record destroyed, no leaked registration
	if _, err := c.WaitActivation(context.Background(), "req-1", time.Millisecond); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Record should be destroyed after timeout, got %v", err)
	}
}

func TestWaitActivation_UnknownRequest(t *testing.T) {
	c := New(testClientID)

	_, err := c.WaitActivation(context.Background(), "never-tracked", time.Second)
	if !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Expected ErrUnknownRequest, got %v", err)
	}
}

func TestWaitActivation_ResolvesBeforeWaiterAttaches(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 1)

	// event arrives before anyone waits
	c.Deliver(event(testClientID, "req-1", 0, 1, false))

	events, err := c.WaitActivation(context.Background(), "req-1", time.Second)
	if err != nil {
		t.Fatalf("WaitActivation failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}
}

func TestWait_ImmediateWhenDrained(t *testing.T) {
	c := New(testClientID)

	start := time.Now()
	if err := c.Wait(context.Background(), time.Minute); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait at zero pending should return immediately, took %v", elapsed)
	}
}

func TestWait_DrainedSignal(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 2)

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Deliver(event(testClientID, "req-1", 0, 2, false))
		c.Deliver(event(testClientID, "req-1", 1, 2, false))
	}()

	if err := c.Wait(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestWait_TimeoutRemovesListener(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 1)

	err := c.Wait(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	c.mu.Lock()
	listeners := len(c.drained)
	c.mu.Unlock()
	if listeners != 0 {
		t.Errorf("Expected no drained listeners after timeout, got %d", listeners)
	}
}

func TestWait_TimeoutRacingDrainReportsSuccess(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 1)

	ch := make(chan struct{})
	c.mu.Lock()
	c.drained = append(c.drained, ch)
	c.mu.Unlock()

	// the drained signal fires before the waiter observes its timer; the
	// timeout branch must still report the completed drain
	c.Deliver(event(testClientID, "req-1", 0, 1, false))

	if !c.removeDrainedListener(ch) {
		t.Error("Timeout racing the drained signal should report success")
	}

	// with work still outstanding the timeout verdict stands
	c.Track("req-2", 1)
	ch2 := make(chan struct{})
	c.mu.Lock()
	c.drained = append(c.drained, ch2)
	c.mu.Unlock()

	if c.removeDrainedListener(ch2) {
		t.Error("An undrained client must keep the timeout verdict")
	}
}

func TestWait_SequentialCallsDoNotAccumulateListeners(t *testing.T) {
	c := New(testClientID)
	c.Track("req-1", 1)

	for i := 0; i < 10; i++ {
		_ = c.Wait(context.Background(), 5*time.Millisecond)
	}

	c.mu.Lock()
	listeners := len(c.drained)
	c.mu.Unlock()
	if listeners != 0 {
		t.Errorf("Sequential waits leaked %d listeners", listeners)
	}
}
