// Package seen implements the mesh's time-bounded dedup cache over packet
// IDs: a bounded array sized for allocation-free, worst-case-bounded
// operation rather than a hash set, matching the reference node's
// constrained-device target (spec.md §4.B).
package seen

import (
	"sync"
	"time"

	"github.com/victorvexastor/vexconnect/wire"
)

// Default tuning constants (spec.md §6).
const (
	DefaultCapacity = 1000
	DefaultTTL      = 60 * time.Second
)

type entry struct {
	id        wire.ID
	timestamp time.Time
	active    bool
}

// Cache is a bounded, time-bounded set of recently observed packet IDs.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  []entry
	count    int // high-water mark: number of slots ever used, <= len(entries)
	capacity int
	ttl      time.Duration
}

// New creates a Cache with the given capacity and TTL. A zero capacity or
// TTL falls back to the package defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make([]entry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Check reports whether id appears in an active, non-expired entry.
// Expired entries encountered during the scan are opportunistically
// deactivated (spec.md §4.B).
func (c *Cache) Check(id wire.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < c.count; i++ {
		e := &c.entries[i]
		if !e.active {
			continue
		}
		if now.Sub(e.timestamp) > c.ttl {
			e.active = false
			continue
		}
		if e.id == id {
			return true
		}
	}
	return false
}

// Add inserts (id, now), reusing the first inactive-or-expired slot if one
// exists, else evicting the slot with the oldest timestamp.
func (c *Cache) Add(id wire.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < c.capacity; i++ {
		e := &c.entries[i]
		if !e.active || now.Sub(e.timestamp) > c.ttl {
			e.id = id
			e.timestamp = now
			e.active = true
			if i >= c.count {
				c.count = i + 1
			}
			return
		}
	}

	oldest := 0
	for i := 1; i < c.capacity; i++ {
		if c.entries[i].timestamp.Before(c.entries[oldest].timestamp) {
			oldest = i
		}
	}
	c.entries[oldest] = entry{id: id, timestamp: now, active: true}
}

// Prune sweeps the active prefix, deactivating expired entries. Intended to
// be called periodically (spec.md: every ~10s) to keep Check's scan tight.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for i := 0; i < c.count; i++ {
		e := &c.entries[i]
		if e.active && now.Sub(e.timestamp) > c.ttl {
			e.active = false
		}
	}
}

// ActiveCount returns the number of currently active (non-expired-by-scan)
// entries. Exposed for tests and metrics; not part of the hot path.
func (c *Cache) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for i := 0; i < c.count; i++ {
		if c.entries[i].active {
			n++
		}
	}
	return n
}
