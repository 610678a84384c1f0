package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestAuditStore(t *testing.T) *AuditStore {
	t.Helper()
	store, err := OpenAuditStore(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("failed to open audit store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuditAppendAndHistory(t *testing.T) {
	store := newTestAuditStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, content := range []string{"first", "second", "third"} {
		err := store.Append(ctx, &StoredMessage{
			SessionKey: "main",
			RunID:      "run-1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Role:       "user",
			Content:    content,
			Channel:    "webchat",
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	msgs, err := store.History(ctx, "main", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("message %d = %q, want %q (history must be oldest-first)", i, msgs[i].Content, want)
		}
	}
	if msgs[0].RunID != "run-1" || msgs[0].Channel != "webchat" || msgs[0].Role != "user" {
		t.Errorf("row fields not preserved: %+v", msgs[0])
	}
}

func TestAuditHistoryLimitKeepsMostRecent(t *testing.T) {
	store := newTestAuditStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i := 0; i < 5; i++ {
		err := store.Append(ctx, &StoredMessage{
			SessionKey: "main",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Role:       "assistant",
			Content:    string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	msgs, err := store.History(ctx, "main", 2)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "d" || msgs[1].Content != "e" {
		t.Errorf("limit should keep the most recent rows oldest-first, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestAuditHistoryFiltersBySessionKey(t *testing.T) {
	store := newTestAuditStore(t)
	ctx := context.Background()

	for _, key := range []string{"main", "subagent:alpha", "main"} {
		err := store.Append(ctx, &StoredMessage{SessionKey: key, Role: "user", Content: "msg for " + key})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	msgs, err := store.History(ctx, "subagent:alpha", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SessionKey != "subagent:alpha" {
		t.Fatalf("history should only return the requested key, got %+v", msgs)
	}

	msgs, err = store.History(ctx, "main", 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 rows for main, got %d", len(msgs))
	}
}
