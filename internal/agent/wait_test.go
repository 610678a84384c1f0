package agent

import (
	"context"
	"testing"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/bus"
)

func terminalEvent(runID, typ string, startedAt, endedAt int64) bus.Event {
	return bus.Event{
		RunID:  runID,
		Stream: "lifecycle",
		Type:   typ,
		Data: map[string]any{
			"startedAt": startedAt,
			"endedAt":   endedAt,
		},
		Ts: time.Now(),
	}
}

func TestWaitSeesEventPublishedBeforeCall(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	b.Publish(terminalEvent("r1", "done", 100, 200))

	snap := w.Wait(context.Background(), WaitParams{RunID: "r1", Timeout: 50 * time.Millisecond})
	if snap == nil {
		t.Fatal("pre-published terminal event must be visible, not a timeout")
	}
	if snap.State != "done" || snap.StartedAt != 100 || snap.EndedAt != 200 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestWaitSeesEventPublishedWhileWaiting(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	done := make(chan *Snapshot, 1)
	go func() {
		done <- w.Wait(context.Background(), WaitParams{RunID: "r2", Timeout: 2 * time.Second})
	}()

	time.Sleep(20 * time.Millisecond)
	b.Publish(terminalEvent("r2", "error", 0, 0))

	select {
	case snap := <-done:
		if snap == nil || snap.State != "error" {
			t.Fatalf("expected error snapshot, got %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitTimeoutReturnsNilAndUnsubscribes(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	base := b.Count() // the service's own listener

	snap := w.Wait(context.Background(), WaitParams{RunID: "never", Timeout: 30 * time.Millisecond})
	if snap != nil {
		t.Fatalf("expected nil on timeout, got %+v", snap)
	}
	if got := b.Count(); got != base {
		t.Errorf("listener leaked: %d subscriptions, want %d", got, base)
	}
}

func TestWaitZeroTimeoutFloored(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	b.Publish(terminalEvent("r3", "done", 0, 0))

	snap := w.Wait(context.Background(), WaitParams{RunID: "r3", Timeout: 0})
	if snap == nil {
		t.Fatal("cached snapshot must win over a zero timeout")
	}
}

func TestWaitAfterMsConstraint(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	b.Publish(terminalEvent("r4", "done", 100, 200))

	// Snapshot ended before the constraint: not a match.
	snap := w.Wait(context.Background(), WaitParams{RunID: "r4", AfterMs: 500, Timeout: 30 * time.Millisecond})
	if snap != nil {
		t.Fatalf("stale snapshot must not satisfy afterMs, got %+v", snap)
	}

	// EndedAt at or past the constraint matches.
	snap = w.Wait(context.Background(), WaitParams{RunID: "r4", AfterMs: 200, Timeout: 30 * time.Millisecond})
	if snap == nil {
		t.Fatal("snapshot at the afterMs boundary must match")
	}
}

func TestSnapshotExpiry(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	now := time.Now()
	w.SetClock(func() time.Time { return now })
	w.SetTTL(time.Minute)

	b.Publish(terminalEvent("r5", "done", 0, 0))

	// Move past the TTL; the cache entry must be gone.
	now = now.Add(2 * time.Minute)
	snap := w.Wait(context.Background(), WaitParams{RunID: "r5", Timeout: 20 * time.Millisecond})
	if snap != nil {
		t.Fatalf("expired snapshot returned: %+v", snap)
	}
}

func TestRepeatedTerminalEventsOverwrite(t *testing.T) {
	b := bus.New()
	w := NewWaitService(b)
	defer w.Close()

	b.Publish(terminalEvent("r6", "done", 100, 200))
	b.Publish(terminalEvent("r6", "done", 100, 200))

	snap := w.Wait(context.Background(), WaitParams{RunID: "r6", Timeout: 20 * time.Millisecond})
	if snap == nil || snap.State != "done" {
		t.Fatalf("expected single done snapshot, got %+v", snap)
	}
}
