package bus

import (
	"testing"
)

func TestPublishOrder(t *testing.T) {
	b := New()

	var got []string
	h := b.Subscribe(func(ev Event) {
		got = append(got, ev.Type)
	})
	defer h.Cancel()

	b.Publish(Event{RunID: "r", Type: "started"})
	b.Publish(Event{RunID: "r", Type: "tool"})
	b.Publish(Event{RunID: "r", Type: "done"})

	want := []string{"started", "tool", "done"}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := New()

	h1 := b.Subscribe(func(Event) {})
	h2 := b.Subscribe(func(Event) {})

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", b.Count())
	}

	// Double cancel must remove exactly one listener.
	h1.Cancel()
	h1.Cancel()

	if b.Count() != 1 {
		t.Errorf("expected 1 subscription after double cancel, got %d", b.Count())
	}
	h2.Cancel()
	if b.Count() != 0 {
		t.Errorf("expected 0 subscriptions, got %d", b.Count())
	}
}

func TestPanickingHandlerDoesNotStopFanout(t *testing.T) {
	b := New()

	h1 := b.Subscribe(func(Event) { panic("boom") })
	defer h1.Cancel()

	delivered := false
	h2 := b.Subscribe(func(Event) { delivered = true })
	defer h2.Cancel()

	b.Publish(Event{RunID: "r", Type: "done"})

	if !delivered {
		t.Error("later subscriber should still receive the event")
	}
}

func TestTerminal(t *testing.T) {
	cases := map[string]bool{
		"done":    true,
		"error":   true,
		"started": false,
		"tool":    false,
	}
	for typ, want := range cases {
		if got := (Event{Type: typ}).Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", typ, got, want)
		}
	}
}
