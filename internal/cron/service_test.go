package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

type nopDispatcher struct{}

func (nopDispatcher) RunCronJob(ctx context.Context, job *CronJob) (string, error) {
	return "", nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "runs"))
	return NewService(store, nopDispatcher{})
}

func TestRescheduleWakeupsDoNotGrowGoroutines(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	base := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		s.Reschedule()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if got := runtime.NumGoroutine(); got > base+5 {
		t.Errorf("goroutines grew from %d to %d across 50 wakeups", base, got)
	}
}

func TestExternalJobsFileEditReloads(t *testing.T) {
	s := newTestService(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	// Wait out the own-write debounce window from startup.
	time.Sleep(2100 * time.Millisecond)

	future := time.Now().Add(time.Hour).UnixMilli()
	file := StoreFile{Version: 1, Jobs: []*CronJob{{
		ID:            "external",
		Enabled:       true,
		Schedule:      Schedule{Kind: ScheduleKindAt, AtMs: future},
		SessionTarget: "main",
		Payload:       Payload{Kind: PayloadKindAgentTurn, Message: "hello"},
	}}}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := os.WriteFile(s.Store().Path(), data, 0644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Store().GetJob("external") != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("externally added job was never picked up")
}
