package device

import (
	"context"
	"sync"
)

// Cache holds a value fetched once per connection. Concurrent first calls
// may each fetch; the first successful result is kept and returned to
// everyone after it.
type Cache[T any] struct {
	mu    sync.RWMutex
	value T
	valid bool
}

func (c *Cache[T]) Get(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	c.mu.RLock()
	if c.valid {
		defer c.mu.RUnlock()
		return c.value, nil
	}
	c.mu.RUnlock()

	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		c.value = v
		c.valid = true
	}
	return c.value, nil
}

// Reset forgets the cached value.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
}
