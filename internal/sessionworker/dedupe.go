package sessionworker

import (
	"sync"
	"time"
)

// processedKeyCache is a per-session TTL dedupe cache (spec §4.3.3). Expired
// entries are evicted lazily at lookup time rather than on a background
// timer.
type processedKeyCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func newProcessedKeyCache(ttl time.Duration) *processedKeyCache {
	return &processedKeyCache{ttl: ttl, entries: make(map[string]time.Time)}
}

// seen reports whether key was already recorded within the TTL window and,
// if not, records it now.
func (c *processedKeyCache) seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiresAt, ok := c.entries[key]; ok && now.Before(expiresAt) {
		return true
	}
	c.entries[key] = now.Add(c.ttl)
	if len(c.entries)%64 == 0 {
		c.evictLocked(now)
	}
	return false
}

func (c *processedKeyCache) evictLocked(now time.Time) {
	for k, expiresAt := range c.entries {
		if now.After(expiresAt) {
			delete(c.entries, k)
		}
	}
}
