package db

import (
	"sync"
	"time"
)

// ValueCache remembers the last value written per pair so unchanged values
// are rewritten at most once per TTL.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]entry
	now  func() time.Time
}

type entry struct {
	v  int64
	at time.Time
}

// NewValueCache creates a new cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, data: make(map[string]entry), now: time.Now}
}

func cacheKey(device, measurement string) string {
	return device + "|" + measurement
}

// Unchanged reports whether v equals the cached, unexpired value for key.
func (c *ValueCache) Unchanged(key string, v int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return false
	}
	return e.v == v
}

// Set stores the value with the current timestamp.
func (c *ValueCache) Set(key string, v int64) {
	c.mu.Lock()
	c.data[key] = entry{v: v, at: c.now()}
	c.mu.Unlock()
}
