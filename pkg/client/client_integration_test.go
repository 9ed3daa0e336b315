//go:build integration

package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/renditionlab/rendition-client/internal/testutil"
	"github.com/renditionlab/rendition-client/pkg/transport"
)

// TestConcurrentProcessCalls drives many batches in parallel against the
// mock service and checks that every activation resolves index-aligned and
// the client fully drains.
func TestConcurrentProcessCalls(t *testing.T) {
	mock := testutil.NewMockService()
	defer mock.Close()

	c, err := NewRegistered(context.Background(), testConfig(mock))
	if err != nil {
		t.Fatalf("NewRegistered failed: %v", err)
	}
	defer c.Close()

	const callers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()

			size := caller%3 + 1
			renditions := make([]transport.Rendition, size)
			for j := range renditions {
				renditions[j] = transport.Rendition{
					Name: fmt.Sprintf("caller-%d-rendition-%d.png", caller, j),
				}
			}

			requestID, err := c.Process(context.Background(), "source", renditions, nil)
			if err != nil {
				errCh <- fmt.Errorf("caller %d: process: %w", caller, err)
				return
			}

			events, err := c.WaitActivation(context.Background(), requestID, 10*time.Second)
			if err != nil {
				errCh <- fmt.Errorf("caller %d: wait: %w", caller, err)
				return
			}
			if len(events) != size {
				errCh <- fmt.Errorf("caller %d: got %d events, want %d", caller, len(events), size)
				return
			}
			for j, ev := range events {
				want := fmt.Sprintf("caller-%d-rendition-%d.png", caller, j)
				if ev.Rendition.Name != want {
					errCh <- fmt.Errorf("caller %d slot %d: got %q", caller, j, ev.Rendition.Name)
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	if err := c.Wait(context.Background(), 5*time.Second); err != nil {
		t.Errorf("Wait failed: %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after drain, want 0", c.Pending())
	}

	if err := c.Unregister(context.Background()); err != nil {
		t.Errorf("Unregister failed: %v", err)
	}
}
