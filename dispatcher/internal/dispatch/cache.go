package dispatch

import (
	"sync"
	"time"
)

const sweepThreshold = 512

type entry[T any] struct {
	val T
	exp time.Time
}

// ttlCache is a short-lived lookup keyed by device number. A zero ttl
// disables caching.
type ttlCache[T any] struct {
	mu  sync.RWMutex
	m   map[string]entry[T]
	ttl time.Duration
	now func() time.Time
}

func newTTLCache[T any](ttl time.Duration, now func() time.Time) *ttlCache[T] {
	return &ttlCache[T]{m: make(map[string]entry[T]), ttl: ttl, now: now}
}

func (c *ttlCache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.exp) {
		return zero, false
	}
	return e.val, true
}

func (c *ttlCache[T]) Set(key string, v T) {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.mu.Lock()
	c.m[key] = entry[T]{val: v, exp: now.Add(c.ttl)}
	if len(c.m) > sweepThreshold {
		c.sweepLocked(now)
	}
	c.mu.Unlock()
}

func (c *ttlCache[T]) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *ttlCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// sweepLocked drops expired entries so devices that are never read again
// do not accumulate.
func (c *ttlCache[T]) sweepLocked(now time.Time) {
	for k, e := range c.m {
		if !now.Before(e.exp) {
			delete(c.m, k)
		}
	}
}
