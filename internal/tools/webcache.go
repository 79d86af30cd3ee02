package tools

import (
	"sync"
	"time"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultCacheMaxEntries = 100
)

// webCache is a small TTL cache for web tool responses, so repeated
// identical searches and fetches within one research run don't hammer
// the upstream services.
type webCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]webCacheEntry
	order   []string // insertion order, head is oldest
}

type webCacheEntry struct {
	value   string
	savedAt time.Time
}

func newWebCache(maxEntries int, ttl time.Duration) *webCache {
	return &webCache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]webCacheEntry),
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(e.savedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = webCacheEntry{value: value, savedAt: time.Now()}
}
