package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Sentinel errors. Callers branch on these with errors.Is to pick the
// right wire error code.
var (
	// ErrNotFound marks lookups of unknown session keys or labels.
	ErrNotFound = errors.New("session not found")

	// ErrStore marks store file read/write failures, as opposed to
	// domain errors like a failed patch validation.
	ErrStore = errors.New("session store unavailable")
)

// DefaultStorePath returns the default path for sessions.json.
func DefaultStorePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawgate", "sessions.json")
}

// DefaultTranscriptsDir returns the default directory for transcript JSONL files.
func DefaultTranscriptsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawgate", "transcripts")
}

// Store manages session entries persisted to a single JSON file.
//
// The file is the source of truth across processes: every mutation
// re-reads it from disk, applies the change, and writes atomically.
// Concurrent updates to the same key from two processes race
// last-write-wins on the full entry; this window is accepted.
type Store struct {
	path           string
	transcriptsDir string
	now            func() time.Time

	mu sync.Mutex
}

// NewStore creates a session store.
func NewStore(path, transcriptsDir string) *Store {
	if path == "" {
		path = DefaultStorePath()
	}
	if transcriptsDir == "" {
		transcriptsDir = DefaultTranscriptsDir()
	}
	return &Store{
		path:           path,
		transcriptsDir: transcriptsDir,
		now:            time.Now,
	}
}

// SetClock overrides the store clock (tests).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// TranscriptPath returns the transcript JSONL path for a session id.
func (s *Store) TranscriptPath(sessionID string) string {
	return filepath.Join(s.transcriptsDir, sessionID+".jsonl")
}

func (s *Store) load() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Version: 1, Sessions: map[string]*Entry{}}, nil
		}
		return nil, fmt.Errorf("%w: failed to read file: %v", ErrStore, err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse file: %v", ErrStore, err)
	}
	if file.Sessions == nil {
		file.Sessions = map[string]*Entry{}
	}
	return &file, nil
}

func (s *Store) save(file *storeFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrStore, err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal: %v", ErrStore, err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStore, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStore, err)
	}
	return nil
}

// Get returns a copy of the entry for key, or nil if absent.
func (s *Store) Get(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	return file.Sessions[key].Clone(), nil
}

// GetOrCreate returns the entry for key, creating one with a fresh
// session id when absent.
func (s *Store) GetOrCreate(key string) (*Entry, error) {
	var out *Entry
	err := s.Update(key, func(e *Entry) error {
		out = e.Clone()
		return nil
	})
	return out, err
}

// Update applies fn to the entry for key (creating it if absent) inside
// a reload-apply-persist transaction. fn mutates the entry in place;
// returning an error aborts without writing.
func (s *Store) Update(key string, fn func(*Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	entry := file.Sessions[key]
	if entry == nil {
		entry = &Entry{SessionID: uuid.New().String()}
		file.Sessions[key] = entry
		L_debug("session: created entry", "key", key, "sessionId", entry.SessionID)
	}

	if err := fn(entry); err != nil {
		return err
	}
	entry.Touch(s.now())

	return s.save(file)
}

// List returns listing rows for all live sessions, sorted by key.
func (s *Store) List() ([]Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}

	infos := make([]Info, 0, len(file.Sessions))
	for key, e := range file.Sessions {
		infos = append(infos, Info{
			Key:         key,
			SessionID:   e.SessionID,
			UpdatedAt:   e.UpdatedAt,
			LastChannel: e.LastChannel,
			LastTo:      e.LastTo,
			Model:       e.Model,
			SpawnedBy:   e.SpawnedBy,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Reset issues a new session id for key, clears transient flags, and
// preserves durable preference fields. Returns the new session id.
func (s *Store) Reset(key string) (string, error) {
	newID := uuid.New().String()
	err := s.Update(key, func(e *Entry) error {
		e.SessionID = newID
		e.SystemSent = false
		e.AbortedLastRun = false
		return nil
	})
	if err != nil {
		return "", err
	}
	L_info("session: reset", "key", key, "sessionId", newID)
	return newID, nil
}

// Delete archives the entry for key. The main session key is refused.
// The transcript file, if present, is moved aside rather than removed.
func (s *Store) Delete(key string) error {
	if key == MainKey {
		return fmt.Errorf("cannot delete the main session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	entry := file.Sessions[key]
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	delete(file.Sessions, key)
	if file.Archived == nil {
		file.Archived = map[string]*ArchivedEntry{}
	}
	file.Archived[key] = &ArchivedEntry{Entry: entry, ArchivedAt: s.now().UnixMilli()}

	if err := s.save(file); err != nil {
		return err
	}

	// Best effort: archive the transcript alongside the entry.
	if entry.SessionID != "" {
		if archived, err := s.archiveTranscript(entry.SessionID); err != nil {
			L_warn("session: transcript archive failed", "key", key, "error", err)
		} else if archived != "" {
			L_debug("session: transcript archived", "key", key, "path", archived)
		}
	}

	L_info("session: deleted (archived)", "key", key, "sessionId", entry.SessionID)
	return nil
}

// archiveTranscript moves the transcript for sessionID aside. Returns
// the archive path, or "" when no transcript exists.
func (s *Store) archiveTranscript(sessionID string) (string, error) {
	src := s.TranscriptPath(sessionID)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	dst := fmt.Sprintf("%s.archived-%d", src, s.now().UnixMilli())
	if err := os.Rename(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Resolve finds the session key matching label: exact key match first,
// then exact session id, then unique key prefix. Ambiguous prefixes are
// a domain error listing the candidates.
func (s *Store) Resolve(label string) (string, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	label = strings.TrimSpace(label)
	if label == "" {
		return "", nil, fmt.Errorf("session label is required")
	}

	file, err := s.load()
	if err != nil {
		return "", nil, err
	}

	if e, ok := file.Sessions[label]; ok {
		return label, e.Clone(), nil
	}

	for key, e := range file.Sessions {
		if e.SessionID == label {
			return key, e.Clone(), nil
		}
	}

	var matches []string
	for key := range file.Sessions {
		if strings.HasPrefix(key, label) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", nil, fmt.Errorf("%w: no session matches %q", ErrNotFound, label)
	case 1:
		return matches[0], file.Sessions[matches[0]].Clone(), nil
	default:
		return "", nil, fmt.Errorf("ambiguous session label %q: matches %s", label, strings.Join(matches, ", "))
	}
}
