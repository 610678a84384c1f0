package agent

import (
	"context"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// SnapshotTTL bounds how long terminal snapshots are kept for late waiters.
const SnapshotTTL = 10 * time.Minute

// Snapshot is the terminal outcome of a run.
type Snapshot struct {
	RunID     string `json:"runId"`
	State     string `json:"state"` // "done" or "error"
	StartedAt int64  `json:"startedAt,omitempty"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	Error     string `json:"error,omitempty"`
	Ts        int64  `json:"ts"`
}

// WaitParams configures a wait call.
type WaitParams struct {
	RunID   string
	AfterMs int64 // only accept snapshots whose startedAt/endedAt is at or after this
	Timeout time.Duration
}

type cachedSnapshot struct {
	snap     Snapshot
	cachedAt time.Time
}

// WaitService caches terminal job snapshots and lets callers block
// until a run id reaches a terminal state, even when the terminal event
// fired before the caller subscribed.
type WaitService struct {
	bus *bus.Bus
	now func() time.Time
	ttl time.Duration

	mu    sync.Mutex
	snaps map[string]cachedSnapshot

	handle *bus.Handle
}

// NewWaitService creates a wait service subscribed to the bus.
func NewWaitService(b *bus.Bus) *WaitService {
	w := &WaitService{
		bus:   b,
		now:   time.Now,
		ttl:   SnapshotTTL,
		snaps: make(map[string]cachedSnapshot),
	}
	w.handle = b.Subscribe(w.onEvent)
	return w
}

// SetClock overrides the clock (tests).
func (w *WaitService) SetClock(now func() time.Time) { w.now = now }

// SetTTL overrides the snapshot TTL (tests).
func (w *WaitService) SetTTL(ttl time.Duration) { w.ttl = ttl }

// Close detaches the service from the bus.
func (w *WaitService) Close() { w.handle.Cancel() }

func (w *WaitService) onEvent(ev bus.Event) {
	if !ev.Terminal() {
		return
	}
	w.record(snapshotFromEvent(ev))
}

func snapshotFromEvent(ev bus.Event) Snapshot {
	snap := Snapshot{
		RunID: ev.RunID,
		State: ev.Type,
		Error: ev.Error,
		Ts:    ev.Ts.UnixMilli(),
	}
	if data, ok := ev.Data.(map[string]any); ok {
		snap.StartedAt = toInt64(data["startedAt"])
		snap.EndedAt = toInt64(data["endedAt"])
	}
	return snap
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// record stores the snapshot, overwriting any previous snapshot for the
// same run id (repeated terminal events are idempotent). It also sweeps
// expired entries lazily.
func (w *WaitService) record(snap Snapshot) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for runID, cached := range w.snaps {
		if now.Sub(cached.cachedAt) > w.ttl {
			delete(w.snaps, runID)
		}
	}
	w.snaps[snap.RunID] = cachedSnapshot{snap: snap, cachedAt: now}
}

// lookup returns a cached snapshot matching the afterMs constraint.
func (w *WaitService) lookup(runID string, afterMs int64) *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	cached, ok := w.snaps[runID]
	if !ok {
		return nil
	}
	if w.now().Sub(cached.cachedAt) > w.ttl {
		delete(w.snaps, runID)
		return nil
	}
	if !matchesAfter(cached.snap, afterMs) {
		return nil
	}
	snap := cached.snap
	return &snap
}

func matchesAfter(snap Snapshot, afterMs int64) bool {
	if afterMs <= 0 {
		return true
	}
	return snap.StartedAt >= afterMs || snap.EndedAt >= afterMs
}

// Wait blocks until the run reaches a terminal state or the timeout
// elapses. Exactly one of snapshot or nil is returned; the bus listener
// is removed on every path.
func (w *WaitService) Wait(ctx context.Context, params WaitParams) *Snapshot {
	// Subscribe before the cache check so a terminal event landing in
	// between is seen on one path or the other.
	resultCh := make(chan Snapshot, 1)
	handle := w.bus.Subscribe(func(ev bus.Event) {
		if ev.RunID != params.RunID || !ev.Terminal() {
			return
		}
		snap := snapshotFromEvent(ev)
		if !matchesAfter(snap, params.AfterMs) {
			return
		}
		select {
		case resultCh <- snap:
		default:
		}
	})
	defer handle.Cancel()

	if snap := w.lookup(params.RunID, params.AfterMs); snap != nil {
		L_trace("agent: wait satisfied from snapshot cache", "runID", params.RunID)
		return snap
	}

	// A zero-delay timer would fire before the event loop gets a
	// chance; floor at 1ms.
	timeout := params.Timeout
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snap := <-resultCh:
		return &snap
	case <-timer.C:
		L_trace("agent: wait timed out", "runID", params.RunID, "timeout", timeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}
