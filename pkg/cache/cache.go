// Package cache is a small TTL cache with singleflight loading. Misses can be
// remembered for a shorter negative TTL so repeated lookups of unknown keys
// stay cheap.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	MaxEntries  int
}

// MetricsHooks are optional callbacks for hit/miss accounting
type MetricsHooks struct {
	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

// Loader resolves a key. ok=false records a miss.
type Loader[V any] func(ctx context.Context, key string) (V, bool, error)

type entry[V any] struct {
	value     V
	ok        bool
	expiresAt time.Time
}

// Cache is safe for concurrent use
type Cache[V any] struct {
	mu      sync.RWMutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	hooks   MetricsHooks
	sf      singleflight.Group
	nowFunc func() time.Time
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 128),
		opts:    opts,
		hooks:   hooks,
		nowFunc: time.Now,
	}
}

type loadResult[V any] struct {
	val V
	ok  bool
}

// Get returns the cached value for key, loading it on a miss. Concurrent
// misses for one key share a single loader call. Loader errors are returned
// and never cached.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	now := c.nowFunc()
	c.mu.RLock()
	e, found := c.items[key]
	c.mu.RUnlock()
	if found && now.Before(e.expiresAt) {
		if c.hooks.OnHit != nil {
			c.hooks.OnHit()
		}
		return e.value, e.ok, nil
	}

	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss()
	}
	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, ok, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.store(key, val, ok)
		return loadResult[V]{val: val, ok: ok}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	res := result.(loadResult[V])
	return res.val, res.ok, nil
}

func (c *Cache[V]) store(key string, val V, ok bool) {
	ttl := c.opts.TTL
	if !ok {
		ttl = c.opts.NegativeTTL
	}
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, ok: ok, expiresAt: c.nowFunc().Add(ttl)}
	c.evictIfNeeded()
}

// evictIfNeeded drops the oldest inserted keys. Caller holds mu.
func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		if c.hooks.OnEvict != nil {
			c.hooks.OnEvict()
		}
	}
}

// Len reports the number of stored entries, expired ones included
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
