package server

import (
	"sync"
	"time"
)

const (
	idempotencyTTL = 30 * time.Minute
	idempotencyMax = 2048
)

type idempotencyEntry struct {
	status  int
	body    []byte
	created time.Time
}

// idempotencyCache replays completed responses for repeated idempotency
// keys. Entries expire after a TTL; the cache prunes oldest-first when it
// grows past its cap.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]idempotencyEntry
}

func newIdempotencyCache(ttl time.Duration, max int) *idempotencyCache {
	return &idempotencyCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]idempotencyEntry),
	}
}

func (c *idempotencyCache) Get(key string) (int, []byte, bool) {
	if key == "" {
		return 0, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return 0, nil, false
	}
	if time.Since(entry.created) > c.ttl {
		delete(c.entries, key)
		return 0, nil, false
	}
	return entry.status, entry.body, true
}

func (c *idempotencyCache) Put(key string, status int, body []byte) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = idempotencyEntry{status: status, body: body, created: time.Now()}
	if len(c.entries) > c.max {
		c.pruneLocked()
	}
}

func (c *idempotencyCache) pruneLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.created) > c.ttl {
			delete(c.entries, key)
		}
	}
	for len(c.entries) > c.max {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.created.Before(oldest) {
				oldestKey = key
				oldest = entry.created
			}
		}
		delete(c.entries, oldestKey)
	}
}
