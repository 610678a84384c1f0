package cron

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

const (
	// MaxSummaryChars is the maximum length for run summaries.
	MaxSummaryChars = 2000

	// MaxHistoryLines caps per-job history files; pruning keeps the tail.
	MaxHistoryLines = 2000
)

// HistoryManager manages append-only run history logs: one JSONL file
// per job id under the runs directory. A legacy shared runs.jsonl
// (records from all jobs keyed by jobId) is consulted on read when no
// per-job file exists, but is never written.
type HistoryManager struct {
	runsDir string
}

// NewHistoryManager creates a new history manager.
func NewHistoryManager(runsDir string) *HistoryManager {
	if runsDir == "" {
		runsDir = DefaultRunsDir()
	}
	return &HistoryManager{runsDir: runsDir}
}

// Append adds a record to the job's history file. Records are only ever
// appended, never rewritten in place.
func (h *HistoryManager) Append(rec RunRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("run record requires a job id")
	}
	if err := os.MkdirAll(h.runsDir, 0750); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}

	if len(rec.Summary) > MaxSummaryChars {
		rec.Summary = rec.Summary[:MaxSummaryChars-3] + "..."
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	path := h.historyPath(rec.JobID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// Runs returns the most recent limit records for a job, oldest-first.
// limit <= 0 returns everything.
func (h *HistoryManager) Runs(jobID string, limit int) ([]RunRecord, error) {
	records, err := h.readRecords(h.historyPath(jobID), "")
	if err != nil {
		return nil, err
	}
	if records == nil {
		// Fall back to the legacy shared log layout.
		records, err = h.readRecords(filepath.Join(h.runsDir, "runs.jsonl"), jobID)
		if err != nil {
			return nil, err
		}
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// readRecords parses one JSONL history file, filtering by job id when
// given. Returns nil (not an empty slice) when the file does not exist.
func (h *HistoryManager) readRecords(path, filterJobID string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	records := []RunRecord{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // Skip malformed entries
		}
		if filterJobID != "" && rec.JobID != filterJobID {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return records, nil
}

// Prune truncates a job's history file to the last MaxHistoryLines lines.
func (h *HistoryManager) Prune(jobID string) error {
	path := h.historyPath(jobID)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var lines [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, append([]byte{}, scanner.Bytes()...))
	}
	f.Close()

	if len(lines) <= MaxHistoryLines {
		return nil
	}
	lines = lines[len(lines)-MaxHistoryLines:]

	tmpPath := path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	for _, line := range lines {
		tmpFile.Write(line)
		tmpFile.Write([]byte{'\n'})
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	L_debug("cron: pruned history", "job", jobID, "keptEntries", len(lines))
	return nil
}

// DeleteHistory removes the history file for a job.
func (h *HistoryManager) DeleteHistory(jobID string) error {
	err := os.Remove(h.historyPath(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

func (h *HistoryManager) historyPath(jobID string) string {
	return filepath.Join(h.runsDir, jobID+".jsonl")
}
