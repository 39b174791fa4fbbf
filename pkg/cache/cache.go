// Package cache provides a TTL- and size-bounded cache with LRU eviction.
// Reads and writes are linearizable per cache through a single mutex; the
// cache never grows past its configured maximum size.
package cache

import (
	"fmt"
	"sync"
	"time"
)

// Config configures a Cache.
type Config[K comparable, V any] struct {
	// DefaultTTL applies to Set calls without an explicit TTL. Must be > 0.
	DefaultTTL time.Duration
	// MaxSize bounds the entry count. Must be > 0. Inserting a new key at
	// capacity evicts the least-recently-used entry first.
	MaxSize int
	// CleanupInterval is how often the periodic sweep removes expired
	// entries. 0 disables the sweeper; expiry still happens lazily on access.
	CleanupInterval time.Duration
	// OnExpire, if set, is invoked for each entry removed by expiry
	// (lazy or swept). Called outside the cache lock.
	OnExpire func(key K, value V)
	// OnEvict, if set, is invoked for each entry removed by LRU eviction.
	// Called outside the cache lock.
	OnEvict func(key K, value V)
	// Now overrides the time source for tests. Defaults to time.Now.
	Now func() time.Time
}

type entry[V any] struct {
	value          V
	expiresAt      time.Time
	createdAt      time.Time
	accessCount    int64
	lastAccessedAt time.Time
}

// Stats holds cache counters. HitRate derives from hits and misses.
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a bounded TTL+LRU cache.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	cfg     Config[K, V]
	stats   Stats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts the periodic sweeper if a cleanup interval
// is configured. Fails fast on non-positive TTL or size.
func New[K comparable, V any](cfg Config[K, V]) (*Cache[K, V], error) {
	if cfg.DefaultTTL <= 0 {
		return nil, fmt.Errorf("cache: default TTL must be > 0, got %v", cfg.DefaultTTL)
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("cache: max size must be > 0, got %d", cfg.MaxSize)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache[K, V]{
		entries: make(map[K]*entry[V]),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go c.sweepLoop()
	}
	return c, nil
}

// Set stores value under key with the default TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetTTL(key, value, c.cfg.DefaultTTL)
}

// SetTTL stores value under key with an explicit TTL. If the key is new and
// the cache is at capacity, the least-recently-used entry is evicted first.
func (c *Cache[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.cfg.Now()

	var evictedKey K
	var evictedVal V
	evicted := false

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxSize {
		evictedKey, evictedVal, evicted = c.evictLRULocked()
	}
	c.entries[key] = &entry[V]{
		value:          value,
		expiresAt:      now.Add(ttl),
		createdAt:      now,
		lastAccessedAt: now,
	}
	c.mu.Unlock()

	if evicted && c.cfg.OnEvict != nil {
		c.cfg.OnEvict(evictedKey, evictedVal)
	}
}

// Get returns the value for key and refreshes its recency. An expired entry
// is removed on access and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	now := c.cfg.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return zero, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Expirations++
		val := e.value
		c.mu.Unlock()
		if c.cfg.OnExpire != nil {
			c.cfg.OnExpire(key, val)
		}
		return zero, false
	}
	e.accessCount++
	e.lastAccessedAt = now
	c.stats.Hits++
	val := e.value
	c.mu.Unlock()
	return val, true
}

// Has reports whether key is present and unexpired without refreshing
// recency or touching hit/miss counters.
func (c *Cache[K, V]) Has(key K) bool {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && now.Before(e.expiresAt)
}

// Delete removes key. Returns whether an entry was present.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Touch extends the TTL of an existing unexpired entry. Returns false if the
// key is absent or already expired.
func (c *Cache[K, V]) Touch(key K, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return false
	}
	e.expiresAt = now.Add(ttl)
	return true
}

// TTL returns the remaining time-to-live of key, or -1 if the key is absent
// or expired.
func (c *Cache[K, V]) TTL(key K) time.Duration {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return -1
	}
	return e.expiresAt.Sub(now)
}

// Len returns the current entry count.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Sweep removes every expired entry, invoking OnExpire for each. Exposed so
// tests and schedulers can trigger a sweep deterministically.
func (c *Cache[K, V]) Sweep() int {
	now := c.cfg.Now()

	type expired struct {
		key K
		val V
	}
	var removed []expired

	c.mu.Lock()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			c.stats.Expirations++
			removed = append(removed, expired{key: k, val: e.value})
		}
	}
	c.mu.Unlock()

	if c.cfg.OnExpire != nil {
		for _, ex := range removed {
			c.cfg.OnExpire(ex.key, ex.val)
		}
	}
	return len(removed)
}

// Stop terminates the periodic sweeper. Idempotent.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// evictLRULocked removes the entry with the oldest lastAccessedAt.
// Caller holds c.mu.
func (c *Cache[K, V]) evictLRULocked() (K, V, bool) {
	var oldestKey K
	var oldest *entry[V]
	for k, e := range c.entries {
		if oldest == nil || e.lastAccessedAt.Before(oldest.lastAccessedAt) {
			oldestKey = k
			oldest = e
		}
	}
	if oldest == nil {
		var zeroK K
		var zeroV V
		return zeroK, zeroV, false
	}
	delete(c.entries, oldestKey)
	c.stats.Evictions++
	return oldestKey, oldest.value, true
}

func (c *Cache[K, V]) sweepLoop() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
