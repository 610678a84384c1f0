package session

import (
	"bufio"
	"fmt"
	"os"
)

// DefaultCompactLines is the transcript line budget for sessions.compact.
const DefaultCompactLines = 400

// CompactResult reports what a compact operation did.
type CompactResult struct {
	Compacted    bool   `json:"compacted"`
	Reason       string `json:"reason,omitempty"` // set when Compacted is false
	LinesBefore  int    `json:"linesBefore,omitempty"`
	LinesAfter   int    `json:"linesAfter,omitempty"`
	ArchivedPath string `json:"archivedPath,omitempty"`
}

// Compact truncates the transcript for key to the last maxLines lines,
// archiving the original file first. Missing session id, missing
// transcript, or a transcript already within budget are no-ops reported
// in the result, not errors.
func (s *Store) Compact(key string, maxLines int) (*CompactResult, error) {
	if maxLines <= 0 {
		maxLines = DefaultCompactLines
	}

	entry, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.SessionID == "" {
		return &CompactResult{Compacted: false, Reason: "no session id"}, nil
	}

	path := s.TranscriptPath(entry.SessionID)
	lines, err := readLines(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CompactResult{Compacted: false, Reason: "no transcript file"}, nil
		}
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	if len(lines) <= maxLines {
		return &CompactResult{
			Compacted:   false,
			Reason:      "transcript within line budget",
			LinesBefore: len(lines),
		}, nil
	}

	// Archive the original before truncating.
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := fmt.Sprintf("%s.archived-%d", path, s.now().UnixMilli())
	if err := copyFile(path, archived); err != nil {
		return nil, fmt.Errorf("failed to archive transcript: %w", err)
	}

	kept := lines[len(lines)-maxLines:]
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp transcript: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range kept {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to replace transcript: %w", err)
	}

	return &CompactResult{
		Compacted:    true,
		LinesBefore:  len(lines),
		LinesAfter:   len(kept),
		ArchivedPath: archived,
	}, nil
}

// AppendTranscript appends one JSONL line to the transcript for sessionID.
func (s *Store) AppendTranscript(sessionID string, line []byte) error {
	if err := os.MkdirAll(s.transcriptsDir, 0750); err != nil {
		return fmt.Errorf("failed to create transcripts directory: %w", err)
	}
	f, err := os.OpenFile(s.TranscriptPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
