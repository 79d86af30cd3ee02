package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses redundant processing of re-delivered inbound
// messages. Keys live for a TTL and the cache holds at most maxEntries,
// evicting in FIFO insertion order. All methods are safe for concurrent
// use.
type DedupeCache struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]time.Time
	order   []string // insertion order, head = oldest

	now func() time.Time
}

// NewDedupeCache creates a cache with the given TTL and size bound.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// IsRecentInbound reports whether key was seen within the TTL. A miss
// records the key and returns false. Expired entries are pruned lazily
// from the head on each call; when the cache is full the oldest entry is
// evicted.
func (d *DedupeCache) IsRecentInbound(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	if seen, ok := d.entries[key]; ok && now.Sub(seen) < d.ttl {
		return true
	}

	if _, ok := d.entries[key]; !ok {
		for len(d.entries) >= d.maxEntries && len(d.order) > 0 {
			d.evictHeadLocked()
		}
		d.order = append(d.order, key)
	}
	d.entries[key] = now
	return false
}

// Len returns the current entry count.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// pruneLocked drops expired entries from the head of the insertion order.
// Stops at the first live entry: entries are appended in time order, so
// everything behind it is newer.
func (d *DedupeCache) pruneLocked(now time.Time) {
	for len(d.order) > 0 {
		head := d.order[0]
		seen, ok := d.entries[head]
		if ok && now.Sub(seen) < d.ttl {
			return
		}
		d.evictHeadLocked()
	}
}

func (d *DedupeCache) evictHeadLocked() {
	head := d.order[0]
	d.order = d.order[1:]
	delete(d.entries, head)
}
