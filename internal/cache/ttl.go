package cache

import (
	"sync"
	"time"
)

// Cache is a concurrency-safe key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	// DeleteFunc removes every entry whose value matches fn.
	DeleteFunc(fn func(V) bool) int
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
	maxSize int
}

type Option func(*options)

type options struct {
	now     func() time.Time
	maxSize int
}

// WithNow replaces the time source, mostly for tests.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxSize bounds the number of entries. When full, expired entries are
// swept first and then an arbitrary entry is evicted.
func WithMaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

func NewTTLCache[K comparable, V any](opts ...Option) Cache[K, V] {
	o := options{now: time.Now, maxSize: 10000}
	for _, opt := range opts {
		opt(&o)
	}
	return &ttlCache[K, V]{
		entries: make(map[K]entry[V]),
		now:     o.now,
		maxSize: o.maxSize,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) DeleteFunc(fn func(V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if fn(e.value) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) evictLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}
