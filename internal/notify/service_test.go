package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirqtio/prpflow/internal/coordstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingConsole captures delivered lines for assertions.
type recordingConsole struct {
	mu      sync.Mutex
	lines   []string
	submits int
}

func (c *recordingConsole) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, text)
	return nil
}

func (c *recordingConsole) Submit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return nil
}

func (c *recordingConsole) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func newTestService(store coordstore.Store, console Console, dedupCap int) *Service {
	return NewService(ServiceConfig{
		Store:    store,
		Console:  console,
		Logger:   testLogger(),
		DedupCap: dedupCap,
	})
}

func TestDrainDeliversAndClearsPendingList(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	console := &recordingConsole{}
	pub := NewPublisher(store)

	if err := pub.Publish(ctx, New(TypeSystem, map[string]any{"message": "hello"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	svc := newTestService(store, console, 10)
	svc.Drain(ctx)

	lines := console.snapshot()
	if len(lines) != 1 || lines[0] != "[system] hello" {
		t.Fatalf("delivered lines = %v", lines)
	}
	if console.submits != 1 {
		t.Fatalf("submits = %d, want 1", console.submits)
	}
	if n, _ := store.Len(ctx, pendingList); n != 0 {
		t.Fatalf("pending list not cleared, len = %d", n)
	}
}

func TestDrainDedupsByNotificationID(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	console := &recordingConsole{}
	pub := NewPublisher(store)

	n := New(TypeSystem, map[string]any{"message": "once"})
	if err := pub.Publish(ctx, n); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, n); err != nil {
		t.Fatalf("Publish duplicate: %v", err)
	}

	svc := newTestService(store, console, 10)
	svc.Drain(ctx)

	if lines := console.snapshot(); len(lines) != 1 {
		t.Fatalf("duplicate id delivered %d times: %v", len(lines), lines)
	}

	// Re-publishing later is still suppressed while the id is in the set.
	if err := pub.Publish(ctx, n); err != nil {
		t.Fatalf("Publish again: %v", err)
	}
	svc.Drain(ctx)
	if lines := console.snapshot(); len(lines) != 1 {
		t.Fatalf("later duplicate delivered: %v", lines)
	}
}

func TestDedupSetEvictsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	console := &recordingConsole{}
	pub := NewPublisher(store)
	svc := newTestService(store, console, 3)

	first := New(TypeSystem, map[string]any{"message": "n0"})
	_ = pub.Publish(ctx, first)
	svc.Drain(ctx)
	for i := 1; i <= 3; i++ {
		_ = pub.Publish(ctx, New(TypeSystem, map[string]any{"message": fmt.Sprintf("n%d", i)}))
	}
	svc.Drain(ctx)

	// first was evicted (cap 3, four ids seen), so it delivers again.
	_ = pub.Publish(ctx, first)
	svc.Drain(ctx)

	var count int
	for _, line := range console.snapshot() {
		if line == "[system] n0" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("evicted id delivered %d times, want 2", count)
	}
}

func TestDrainSurfacesMalformedEntries(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	console := &recordingConsole{}

	if err := store.PushTail(ctx, pendingList, "{not json"); err != nil {
		t.Fatalf("PushTail: %v", err)
	}
	svc := newTestService(store, console, 10)
	svc.Drain(ctx)

	lines := console.snapshot()
	if len(lines) != 1 || !strings.Contains(lines[0], "unparseable notification") {
		t.Fatalf("malformed entry output = %v", lines)
	}
	if n, _ := store.Len(ctx, pendingList); n != 0 {
		t.Fatalf("malformed entry left on the list")
	}
}

func TestKeepaliveWritesRegardlessOfVolume(t *testing.T) {
	store := coordstore.NewMemory()
	console := &recordingConsole{}
	svc := newTestService(store, console, 10)
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }

	svc.sendKeepalive()

	lines := console.snapshot()
	if len(lines) != 1 || !strings.Contains(lines[0], "[keepalive]") {
		t.Fatalf("keepalive output = %v", lines)
	}
	if !strings.Contains(lines[0], "2026-08-30T12:00:00Z") {
		t.Fatalf("keepalive missing timestamp: %q", lines[0])
	}
}

// faultyConsole fails its first submitFailures Submit calls, then behaves
// like recordingConsole.
type faultyConsole struct {
	recordingConsole
	submitFailures int
}

func (c *faultyConsole) Submit() error {
	c.mu.Lock()
	if c.submitFailures > 0 {
		c.submitFailures--
		c.lines = nil // the transport dropped the batch
		c.mu.Unlock()
		return fmt.Errorf("transport unavailable")
	}
	c.mu.Unlock()
	return c.recordingConsole.Submit()
}

func TestDrainRetriesBatchAfterFailedSubmit(t *testing.T) {
	ctx := context.Background()
	store := coordstore.NewMemory()
	console := &faultyConsole{submitFailures: 1}
	pub := NewPublisher(store)

	if err := pub.Publish(ctx, New(TypeSystem, map[string]any{"message": "hello"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	svc := newTestService(store, console, 10)

	// First pass: write succeeds, submit fails. Nothing may be marked
	// delivered and the pending list must survive.
	svc.Drain(ctx)
	if n, _ := store.Len(ctx, pendingList); n != 1 {
		t.Fatalf("pending after failed submit = %d entries, want 1", n)
	}
	if len(svc.seen) != 0 {
		t.Fatalf("id marked delivered despite failed submit")
	}

	// Second pass: submit succeeds and the message reaches the operator.
	svc.Drain(ctx)
	lines := console.snapshot()
	if len(lines) != 1 || lines[0] != "[system] hello" {
		t.Fatalf("lines after retry = %v, want the original message", lines)
	}
	if console.submits != 1 {
		t.Fatalf("successful submits = %d, want 1", console.submits)
	}
	if n, _ := store.Len(ctx, pendingList); n != 0 {
		t.Fatalf("pending list not cleared after successful pass, len = %d", n)
	}

	// The entry is marked delivered only now.
	if len(svc.seen) != 1 {
		t.Fatalf("dedup set size = %d, want 1", len(svc.seen))
	}
}
