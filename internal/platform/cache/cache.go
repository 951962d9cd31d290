// Package cache provides a bounded, concurrency-safe LRU cache with optional
// per-entry TTL. It backs both the DNS resolution cache and the dispatcher cache.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var ErrInvalidSize = errors.New("cache size must be positive")

// Options configures an LRU.
type Options[K comparable, V any] struct {
	// Size is the maximum number of entries. Adding past it evicts the
	// least recently used entry.
	Size int

	// TTL bounds how long an entry may be served after it was added.
	// Zero disables expiry.
	TTL time.Duration

	// Now overrides the clock (tests). Defaults to time.Now.
	Now func() time.Time

	// OnEvict is called after an entry leaves the cache, whether by capacity
	// eviction, expiry, Remove or Purge. It runs outside the cache lock.
	OnEvict func(key K, value V)
}

// item represents a cached value with expiration.
type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i item[V]) isExpired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

type evicted[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a size-bounded least-recently-used cache.
type LRU[K comparable, V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[K, item[V]]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(K, V)
	pending []evicted[K, V]
}

// New creates an LRU from opts.
func New[K comparable, V any](opts Options[K, V]) (*LRU[K, V], error) {
	if opts.Size <= 0 {
		return nil, ErrInvalidSize
	}

	c := &LRU[K, V]{
		ttl:     opts.TTL,
		now:     opts.Now,
		onEvict: opts.OnEvict,
	}
	if c.now == nil {
		c.now = time.Now
	}

	inner, err := simplelru.NewLRU[K, item[V]](opts.Size, c.collect)
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// collect queues evictions while the lock is held; flush delivers them.
func (c *LRU[K, V]) collect(key K, it item[V]) {
	if c.onEvict != nil {
		c.pending = append(c.pending, evicted[K, V]{key: key, value: it.value})
	}
}

// unlockAndFlush releases the lock and then runs queued eviction callbacks.
func (c *LRU[K, V]) unlockAndFlush() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, e := range pending {
		c.onEvict(e.key, e.value)
	}
}

// Get returns the value for key and marks it most recently used.
// Expired entries are removed and reported as missing.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	var zero V
	it, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if it.isExpired(c.now()) {
		c.lru.Remove(key)
		return zero, false
	}
	return it.value, true
}

// Add stores value under key, replacing any previous value and resetting its
// TTL. It reports whether an older entry was evicted to make room.
func (c *LRU[K, V]) Add(key K, value V) bool {
	c.mu.Lock()
	defer c.unlockAndFlush()

	it := item[V]{value: value}
	if c.ttl > 0 {
		it.expiresAt = c.now().Add(c.ttl)
	}
	return c.lru.Add(key, it)
}

// Len returns the number of stored entries, including expired entries that
// have not been touched since they expired.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Purge removes every entry.
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.unlockAndFlush()

	c.lru.Purge()
}
