// Package cache provides caching implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the single-node cache and as L1 in two-phase caching.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get retrieves a value from cache. Returns nil, nil on a miss.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(time.Now()) {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, nil
}

// Set stores a value in cache. A ttl <= 0 never expires.
func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Update existing entry
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	elem := c.order.PushFront(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	c.items[key] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	return Stats{
		Size:     size,
		Capacity: c.maxSize,
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
	}
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
