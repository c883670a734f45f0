// ABOUTME: Thread-safe TTL cache with a hard size bound and oldest-first eviction.
// ABOUTME: Backs the response cache and webhook message-id deduplication.

package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultSweepInterval is how often expired entries are swept when no interval is given.
const DefaultSweepInterval = time.Minute

// entry stores the value, insertion time and list element for a cached key.
type entry[V any] struct {
	value     V
	createdAt time.Time
	element   *list.Element
}

// Cache is a TTL-based, size-limited map. Entries expire ttl after they were
// stored; when the cache is full the oldest entry is evicted. A doubly-linked
// list keeps insertion order so eviction is O(1).
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	sweepInterval time.Duration
	now           func() time.Time
}

// WithSweepInterval sets how often the background sweep removes expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries until Close.
func New[V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[V] {
	o := options{sweepInterval: DefaultSweepInterval, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if maxSize <= 0 {
		maxSize = 1
	}

	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	go c.sweep(o.sweepInterval)
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	e, ok := c.items[key]
	if !ok || c.expired(e) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous value. The entry's age is
// reset. If the cache is at capacity, the oldest entry is evicted.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Seen atomically checks whether key is present and unexpired, and marks it if not.
// Returns true if the key was already present (a duplicate).
func (c *Cache[V]) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && !c.expired(e) {
		return true
	}
	var zero V
	c.setLocked(key, zero)
	return false
}

// Delete removes key. Returns true if it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(e.element)
	delete(c.items, key)
	return true
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// setLocked is the internal set implementation. Must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()

	if e, exists := c.items[key]; exists {
		e.value = value
		e.createdAt = now
		c.order.MoveToBack(e.element)
		return
	}

	for len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.items[key] = &entry[V]{
		value:     value,
		createdAt: now,
		element:   elem,
	}
}

// expired reports whether e is past its TTL. Must be called with mu held.
func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.now().Sub(e.createdAt) >= c.ttl
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) sweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveExpired()
		case <-c.done:
			return
		}
	}
}

// RemoveExpired removes all expired entries and returns how many were removed.
func (c *Cache[V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.items {
		if c.expired(e) {
			c.order.Remove(e.element)
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
