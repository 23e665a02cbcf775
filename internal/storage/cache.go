package storage

import (
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how long a cache entry is trusted.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize is the entry ceiling before a prune pass runs.
	DefaultCacheSize = 1000
)

type cacheEntry[V any] struct {
	value    V
	cachedAt time.Time
}

// Cache is a bounded TTL cache. It is never the source of truth; every
// entry is reconstructable from durable storage.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[K]cacheEntry[V]
	now     func() time.Time
}

// NewCache builds a cache with the given TTL and size ceiling. Zero values
// select the defaults.
func NewCache[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache[K, V]{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[K]cacheEntry[V]),
		now:     time.Now,
	}
}

// Get returns the cached value for key. Entries older than the TTL are
// treated as misses and evicted.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(entry.cachedAt) > c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Set stores value under key. Once the cache exceeds its ceiling, all
// entries older than the TTL cutoff are dropped.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry[V]{value: value, cachedAt: c.now()}
	if len(c.entries) > c.maxSize {
		cutoff := c.now().Add(-c.ttl)
		for k, e := range c.entries {
			if e.cachedAt.Before(cutoff) {
				delete(c.entries, k)
			}
		}
	}
}

// Delete removes key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]cacheEntry[V])
}

// Len reports the current entry count, expired entries included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
