package cache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a cached upstream response is reused.
const DefaultTTL = 5 * time.Minute

// purgeEvery controls how often Set opportunistically sweeps expired entries.
const purgeEvery = 64

type entry struct {
	data     any
	cachedAt time.Time
}

// Cache is a concurrency-safe TTL cache deduplicating repeated upstream
// requests across polling cycles. It is advisory only: a miss always falls
// back to a live fetch, so it can degrade to always-miss without breaking
// anything.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	sets    int

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache. A ttl <= 0 falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Key derives a deterministic cache key from the logical query so that two
// components requesting the same data within the TTL share one result.
func Key(sourceID, op string, params ...string) string {
	parts := append([]string{sourceID, op}, params...)
	return strings.Join(parts, "|")
}

// Get returns the cached value for key if it is still within the TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.cachedAt) >= c.ttl {
		return nil, false
	}
	return e.data, true
}

// Set stores a value unconditionally, overwriting any previous entry.
func (c *Cache) Set(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{data: data, cachedAt: c.now()}

	c.sets++
	if c.sets%purgeEvery == 0 {
		c.purgeExpiredLocked()
	}
}

// PurgeExpired removes all entries past the TTL. Purging is opportunistic;
// correctness never depends on it because Get re-checks ages.
func (c *Cache) PurgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeExpiredLocked()
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) purgeExpiredLocked() {
	cutoff := c.now().Add(-c.ttl)
	for k, e := range c.entries {
		if e.cachedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
