package cron

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestHistoryAppendOnlyOrdering(t *testing.T) {
	h := NewHistoryManager(t.TempDir())

	for i := 1; i <= 3; i++ {
		h.Append(RunRecord{JobID: "job1", Action: ActionStarted, Ts: int64(i * 10)})
		h.Append(RunRecord{JobID: "job1", Action: ActionFinished, Status: StatusOK, Ts: int64(i*10 + 5)})
	}

	runs, err := h.Runs("job1", 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 6 {
		t.Fatalf("expected 6 records, got %d", len(runs))
	}

	// Chronological, oldest first, started/finished interleaved.
	finished := 0
	var lastTs int64
	for _, rec := range runs {
		if rec.Ts < lastTs {
			t.Fatalf("records out of order: %d after %d", rec.Ts, lastTs)
		}
		lastTs = rec.Ts
		if rec.Action == ActionFinished {
			finished++
		}
	}
	if finished != 3 {
		t.Errorf("expected 3 finished records, got %d", finished)
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	h := NewHistoryManager(t.TempDir())

	for i := 1; i <= 5; i++ {
		h.Append(RunRecord{JobID: "job1", Action: ActionFinished, Status: StatusOK, Ts: int64(i)})
	}

	runs, err := h.Runs("job1", 2)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(runs))
	}
	if runs[0].Ts != 4 || runs[1].Ts != 5 {
		t.Errorf("limit should keep the newest records oldest-first: %+v", runs)
	}
}

func TestHistoryLegacySharedFileFallback(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryManager(dir)

	// Old layout: one shared runs.jsonl with mixed job ids.
	var lines []byte
	for _, rec := range []RunRecord{
		{JobID: "a", Action: ActionFinished, Status: StatusOK, Ts: 1},
		{JobID: "b", Action: ActionFinished, Status: StatusError, Ts: 2},
		{JobID: "a", Action: ActionFinished, Status: StatusOK, Ts: 3},
	} {
		data, _ := json.Marshal(rec)
		lines = append(lines, data...)
		lines = append(lines, '\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "runs.jsonl"), lines, 0600); err != nil {
		t.Fatalf("fixture write failed: %v", err)
	}

	runs, err := h.Runs("a", 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 records for job a, got %d", len(runs))
	}
	if runs[0].Ts != 1 || runs[1].Ts != 3 {
		t.Errorf("unexpected records: %+v", runs)
	}

	// Once a per-job file exists, it wins over the legacy log.
	h.Append(RunRecord{JobID: "a", Action: ActionFinished, Status: StatusOK, Ts: 9})
	runs, _ = h.Runs("a", 0)
	if len(runs) != 1 || runs[0].Ts != 9 {
		t.Errorf("per-job file should shadow legacy log: %+v", runs)
	}
}

func TestHistorySummaryTruncated(t *testing.T) {
	h := NewHistoryManager(t.TempDir())

	long := make([]byte, MaxSummaryChars*2)
	for i := range long {
		long[i] = 'x'
	}
	h.Append(RunRecord{JobID: "job1", Action: ActionFinished, Status: StatusOK, Ts: 1, Summary: string(long)})

	runs, err := h.Runs("job1", 0)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs[0].Summary) > MaxSummaryChars {
		t.Errorf("summary not truncated: %d chars", len(runs[0].Summary))
	}
}
