package killswitch

import (
	"sync"
	"time"
)

// TTLCache holds one value for a bounded time. The zero value is not usable;
// use NewTTLCache.
type TTLCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	value   T
	stored  time.Time
	present bool
}

func NewTTLCache[T any](ttl time.Duration, now func() time.Time) *TTLCache[T] {
	if now == nil {
		now = time.Now
	}
	return &TTLCache[T]{ttl: ttl, now: now}
}

func (c *TTLCache[T]) Get() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.present || c.now().Sub(c.stored) >= c.ttl {
		var zero T
		return zero, false
	}
	return c.value, true
}

func (c *TTLCache[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.stored = c.now()
	c.present = true
	c.mu.Unlock()
}

func (c *TTLCache[T]) Clear() {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.present = false
	c.mu.Unlock()
}
