package gateway

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// DedupeTTL bounds how long terminal responses are replayable.
const DedupeTTL = 10 * time.Minute

type dedupeEntry struct {
	accepted json.RawMessage // accepted envelope for two-phase methods
	response json.RawMessage // terminal response, replayed verbatim
	errResp  *Error
	done     bool // false while the first attempt is still in flight
	cachedAt time.Time
}

// dedupeCache replays terminal responses for retried requests. Keys are
// "method:idempotencyKey" so the same key on different methods never
// collides.
type dedupeCache struct {
	now func() time.Time
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]*dedupeEntry
}

func newDedupeCache() *dedupeCache {
	return &dedupeCache{
		now:     time.Now,
		ttl:     DedupeTTL,
		entries: make(map[string]*dedupeEntry),
	}
}

func dedupeKey(method, idempotencyKey string) string {
	return method + ":" + idempotencyKey
}

// begin claims the key for a first attempt. Returns the cached entry
// when the key was seen before (finished or still in flight), or nil
// when the caller owns the first attempt.
func (c *dedupeCache) begin(key string) *dedupeEntry {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if entry, ok := c.entries[key]; ok {
		return entry
	}
	c.entries[key] = &dedupeEntry{cachedAt: now}
	return nil
}

// accept records the accepted envelope for a two-phase method so
// retries arriving before the terminal outcome see "accepted" without
// restarting the work.
func (c *dedupeCache) accept(key string, accepted json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.accepted = accepted
	}
}

// finish records the terminal outcome for the key so later retries
// replay it byte-for-byte.
func (c *dedupeCache) finish(key string, response json.RawMessage, errResp *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = &dedupeEntry{}
		c.entries[key] = entry
	}
	entry.response = response
	entry.errResp = errResp
	entry.done = true
	entry.cachedAt = c.now()
}

// sweepLocked drops entries past the TTL. Called lazily from begin, no
// background goroutine.
func (c *dedupeCache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.entries, key)
			L_trace("gateway: dedupe entry expired", "key", key)
		}
	}
}

// size returns the number of live entries (tests).
func (c *dedupeCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
