// Package bus provides the in-process event bus for agent job events.
//
// Unlike a package-level singleton, Bus instances are owned by whoever
// constructs them (the gateway in production, the test in tests) and are
// passed by reference to consumers.
package bus

import (
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Event is a single agent job lifecycle event tagged by run id.
type Event struct {
	RunID  string    `json:"runId"`
	Stream string    `json:"stream"` // "lifecycle", "tool", "assistant"
	Type   string    `json:"type"`   // "started", "tool", "assistant", "compaction", "done", "error"
	Data   any       `json:"data,omitempty"`
	Error  string    `json:"error,omitempty"`
	Ts     time.Time `json:"ts"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == "done" || e.Type == "error"
}

// Handler processes an event. Handlers are invoked synchronously in
// publish order for each subscriber; slow handlers delay publishers.
type Handler func(Event)

// Handle cancels a subscription. Cancel is idempotent: calling it twice
// (timeout path and event-match path racing) removes the listener once.
type Handle struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Cancel removes the subscription from the bus.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.bus.remove(h.id)
	})
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans out events to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all events. The caller filters by
// run id. The returned Handle must be cancelled when done.
func (b *Bus) Subscribe(fn Handler) *Handle {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: fn})
	b.mu.Unlock()

	L_trace("bus: subscribed", "subscriptionID", id)
	return &Handle{bus: b, id: id}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			L_trace("bus: unsubscribed", "subscriptionID", id)
			return
		}
	}
}

// Publish delivers the event to every subscriber, in subscription order.
// A panicking handler is logged and skipped, not propagated.
func (b *Bus) Publish(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: handler panic", "subscriptionID", s.id, "runID", ev.RunID, "panic", r)
				}
			}()
			s.handler(ev)
		}(sub)
	}
}

// Count returns the number of active subscriptions. Used by tests to
// assert listeners are not leaked.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
