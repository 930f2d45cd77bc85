package farming

import "sync"

// Counter is the remaining-item accumulator shared by every session of a pass.
// PollingDrops steps write it, the aggregation step reads it.
type Counter struct {
	mu    sync.Mutex
	value int
}

// Add applies delta and returns the new value.
func (c *Counter) Add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += delta
	return c.value
}

// Value returns the current total.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
