package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the number of entries kept before the oldest insertion is evicted.
const DefaultCapacity = 1000

type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// MemoryCache is a bounded in-process cache. Reads never refresh an entry's
// position, so eviction at capacity is FIFO by insertion. Expired entries are
// invisible to Get and are physically removed by Sweep.
type MemoryCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, entry]
	now     func() time.Time
}

// NewMemoryCache creates a MemoryCache holding at most capacity entries.
func NewMemoryCache(capacity int) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := simplelru.NewLRU[string, entry](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: l, now: time.Now}, nil
}

// WithClock replaces the time source. Intended for tests.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove first so an overwrite counts as a fresh insertion.
	c.entries.Remove(key)
	c.entries.Add(key, entry{value: value, storedAt: c.now(), ttl: ttl})
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok || e.expired(c.now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *MemoryCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.expired(now) {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed, nil
}
