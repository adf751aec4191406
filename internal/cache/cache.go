// Package cache memoizes expensive external calls in process memory.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Default limits for a discovery cache.
const (
	DefaultMaxItems = 5000
	DefaultTTL      = 24 * time.Hour
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a bounded TTL cache safe for concurrent use. Concurrent misses on
// the same key share one computation. Values never outlive the process.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[string]*entry[V]
	order    *list.List // insertion order, oldest at front
	maxItems int
	group    singleflight.Group

	hits, misses int64

	nowFunc func() time.Time
}

// New creates a cache holding at most maxItems entries.
func New[V any](maxItems int) *Cache[V] {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	return &Cache[V]{
		items:    make(map[string]*entry[V]),
		order:    list.New(),
		maxItems: maxItems,
		nowFunc:  time.Now,
	}
}

// Get returns the value for key if present and unexpired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if !c.nowFunc().Before(e.expiresAt) {
		c.remove(e)
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl stores nothing.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.remove(e)
	}
	if len(c.items) >= c.maxItems {
		c.evict()
	}
	e := &entry[V]{key: key, value: value, expiresAt: c.nowFunc().Add(ttl)}
	e.elem = c.order.PushBack(e)
	c.items[key] = e
}

// GetOrCompute returns the cached value for key, or runs compute and caches
// its result for ttl. Errors are returned and never cached. Concurrent callers
// for the same key wait on a single compute call.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counters.
func (c *Cache[V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// evict drops expired entries, then the oldest one if still full. Caller holds mu.
func (c *Cache[V]) evict() {
	now := c.nowFunc()
	for _, e := range c.items {
		if !now.Before(e.expiresAt) {
			c.remove(e)
		}
	}
	for len(c.items) >= c.maxItems {
		front := c.order.Front()
		if front == nil {
			return
		}
		c.remove(front.Value.(*entry[V]))
	}
}

func (c *Cache[V]) remove(e *entry[V]) {
	c.order.Remove(e.elem)
	delete(c.items, e.key)
}
