// Package cache provides the bounded TTL cache used for introspection
// results, UserInfo responses, resolved signing keys and back-channel logout
// tokens. It is safe for uncoordinated concurrent use: a lock-free map plus an
// atomic entry counter.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value   V
	created time.Time
}

// Cache is a capacity- and TTL-bounded map. Capacity pressure clears the
// whole cache instead of evicting single entries, so writes never need a
// lock or an access-order list.
type Cache[V any] struct {
	entries  sync.Map
	count    atomic.Int64
	maxSize  int64
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache holding at most maxSize entries, each expiring ttl
// after insertion. When sweepInterval > 0 a background sweeper removes
// expired entries; reads treat expired entries as misses either way.
func New[V any](maxSize int, ttl, sweepInterval time.Duration) *Cache[V] {
	c := &Cache[V]{
		maxSize: int64(maxSize),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweep(sweepInterval)
	}
	return c
}

// Put inserts or replaces an entry. Admission uses a compare-and-swap loop on
// the entry counter; if the cache is full the whole cache is cleared before
// the new entry is admitted.
func (c *Cache[V]) Put(key string, value V) {
	e := entry[V]{value: value, created: time.Now()}
	if _, exists := c.entries.Load(key); exists {
		c.entries.Store(key, e)
		return
	}
	for {
		n := c.count.Load()
		if n >= c.maxSize {
			c.Clear()
			continue
		}
		if c.count.CompareAndSwap(n, n+1) {
			break
		}
	}
	c.entries.Store(key, e)
}

// Get returns a live entry. Expired entries are removed on access and
// reported as misses regardless of whether the sweeper has run.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	v, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := v.(entry[V])
	if c.expired(e, time.Now()) {
		c.delete(key)
		return zero, false
	}
	return e.value, true
}

// Contains reports whether a live entry exists without touching it.
func (c *Cache[V]) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Remove deletes an entry and returns it, expired or not. Used for
// consume-once semantics (back-channel logout tokens).
func (c *Cache[V]) Remove(key string) (V, bool) {
	var zero V
	v, ok := c.entries.LoadAndDelete(key)
	if !ok {
		return zero, false
	}
	c.count.Add(-1)
	e := v.(entry[V])
	if c.expired(e, time.Now()) {
		return zero, false
	}
	return e.value, true
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.entries.Range(func(k, _ any) bool {
		if _, loaded := c.entries.LoadAndDelete(k); loaded {
			c.count.Add(-1)
		}
		return true
	})
}

// Len returns the number of stored entries, including not-yet-swept expired
// ones.
func (c *Cache[V]) Len() int {
	return int(c.count.Load())
}

// Close stops the background sweeper. Idempotent.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache[V]) expired(e entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.created) >= c.ttl
}

func (c *Cache[V]) delete(key string) {
	if _, loaded := c.entries.LoadAndDelete(key); loaded {
		c.count.Add(-1)
	}
}

func (c *Cache[V]) sweep(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.entries.Range(func(k, v any) bool {
				if c.expired(v.(entry[V]), now) {
					c.delete(k.(string))
				}
				return true
			})
		}
	}
}
