package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDedupeFirstAttemptClaimsKey(t *testing.T) {
	c := newDedupeCache()
	key := dedupeKey("agent", "k1")

	if entry := c.begin(key); entry != nil {
		t.Fatalf("first attempt must own the key, got %+v", entry)
	}

	// A retry before any outcome sees the in-flight entry.
	entry := c.begin(key)
	if entry == nil {
		t.Fatal("retry must see the claimed entry")
	}
	if entry.done || entry.accepted != nil {
		t.Errorf("in-flight entry should have no outcome yet: %+v", entry)
	}
}

func TestDedupeReplaysResponseVerbatim(t *testing.T) {
	c := newDedupeCache()
	key := dedupeKey("sessions.reset", "k1")

	c.begin(key)
	response := json.RawMessage(`{"ok":true,"order":["b","a"]}`)
	c.finish(key, response, nil)

	entry := c.begin(key)
	if entry == nil || !entry.done {
		t.Fatalf("expected finished entry, got %+v", entry)
	}
	if string(entry.response) != string(response) {
		t.Errorf("response must replay byte-for-byte: %s", entry.response)
	}
}

func TestDedupeReplaysErrors(t *testing.T) {
	c := newDedupeCache()
	key := dedupeKey("sessions.delete", "k1")

	c.begin(key)
	c.finish(key, nil, Errf(CodeNotFound, "session missing: not found"))

	entry := c.begin(key)
	if entry == nil || !entry.done || entry.errResp == nil {
		t.Fatalf("expected cached error, got %+v", entry)
	}
	if entry.errResp.Code != CodeNotFound {
		t.Errorf("unexpected code: %s", entry.errResp.Code)
	}
}

func TestDedupeAcceptedEnvelopeVisibleWhileInFlight(t *testing.T) {
	c := newDedupeCache()
	key := dedupeKey("agent", "k1")

	c.begin(key)
	accepted := json.RawMessage(`{"status":"accepted","runId":"r1"}`)
	c.accept(key, accepted)

	entry := c.begin(key)
	if entry == nil || entry.done {
		t.Fatalf("expected in-flight entry, got %+v", entry)
	}
	if string(entry.accepted) != string(accepted) {
		t.Errorf("accepted envelope mismatch: %s", entry.accepted)
	}

	// The terminal outcome supersedes the accepted envelope.
	final := json.RawMessage(`{"status":"ok","runId":"r1"}`)
	c.finish(key, final, nil)
	entry = c.begin(key)
	if !entry.done || string(entry.response) != string(final) {
		t.Errorf("terminal outcome not replayed: %+v", entry)
	}
}

func TestDedupeKeysScopedByMethod(t *testing.T) {
	c := newDedupeCache()

	k1 := dedupeKey("sessions.reset", "same")
	k2 := dedupeKey("sessions.delete", "same")

	c.begin(k1)
	c.finish(k1, json.RawMessage(`{"reset":true}`), nil)

	// The same idempotency key on another method is a fresh request.
	if entry := c.begin(k2); entry != nil {
		t.Errorf("key must not cross methods: %+v", entry)
	}
}

func TestDedupeEntriesExpire(t *testing.T) {
	c := newDedupeCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	key := dedupeKey("agent", "k1")
	c.begin(key)
	c.finish(key, json.RawMessage(`{}`), nil)

	now = now.Add(DedupeTTL / 2)
	if entry := c.begin(key); entry == nil {
		t.Fatal("entry expired too early")
	}

	now = now.Add(DedupeTTL)
	if entry := c.begin(key); entry != nil && entry.done {
		t.Errorf("entry past the TTL must be swept, got %+v", entry)
	}
	if c.size() != 1 {
		t.Errorf("expected only the fresh claim, got %d entries", c.size())
	}
}
