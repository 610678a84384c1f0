// Package session provides the durable session entry store for the
// gateway: one entry per session key, persisted to a single JSON file
// shared with other processes (CLI and gateway may both write it).
package session

import (
	"time"
)

// MainKey is the canonical primary session key. It can never be deleted.
const MainKey = "main"

// SubagentPrefix marks session keys spawned by another agent run.
const SubagentPrefix = "subagent:"

// Valid values for the per-session override knobs.
var (
	ThinkingLevels   = []string{"off", "minimal", "low", "medium", "high"}
	VerboseLevels    = []string{"off", "low", "medium", "high"}
	SendPolicies     = []string{"allow", "deny", "inherit"}
	GroupActivations = []string{"mention", "always"}
)

// Entry is the stored state for one session key.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"` // unix ms of last activity

	// Last successfully used delivery route, used as routing fallback.
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`

	// Per-session override knobs. Empty string means "not set".
	ThinkingLevel    string `json:"thinkingLevel,omitempty"`
	VerboseLevel     string `json:"verboseLevel,omitempty"`
	SendPolicy       string `json:"sendPolicy,omitempty"`
	Model            string `json:"model,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`
	GroupActivation  string `json:"groupActivation,omitempty"`

	// SpawnedBy records the parent run for subagent sessions.
	// Immutable once set; only settable for subagent keys.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	// Transient flags cleared on reset.
	SystemSent     bool `json:"systemSent,omitempty"`
	AbortedLastRun bool `json:"abortedLastRun,omitempty"`
}

// Touch updates the activity timestamp.
func (e *Entry) Touch(now time.Time) {
	e.UpdatedAt = now.UnixMilli()
}

// Clone returns a copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// ArchivedEntry wraps a deleted entry with its archival timestamp.
type ArchivedEntry struct {
	Entry      *Entry `json:"entry"`
	ArchivedAt int64  `json:"archivedAt"`
}

// storeFile is the on-disk layout of sessions.json.
type storeFile struct {
	Version  int                       `json:"version"`
	Sessions map[string]*Entry         `json:"sessions"`
	Archived map[string]*ArchivedEntry `json:"archived,omitempty"`
}

// Info is a listing row for sessions.list.
type Info struct {
	Key         string `json:"key"`
	SessionID   string `json:"sessionId"`
	UpdatedAt   int64  `json:"updatedAt"`
	LastChannel string `json:"lastChannel,omitempty"`
	LastTo      string `json:"lastTo,omitempty"`
	Model       string `json:"model,omitempty"`
	SpawnedBy   string `json:"spawnedBy,omitempty"`
}
