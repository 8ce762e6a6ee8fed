package xstream

import (
	"context"
	"sync"
)

// Credits bounds the number of entries a channel holds in flight. Readers reserve
// before fetching, and every completion releases what it reserved, so the channel
// never buffers more than its capacity locally.
//
// reserved + available == capacity holds after every call.
type Credits struct {
	mu       sync.Mutex
	capacity int
	reserved int
	// signal holds one token whenever a waiter may make progress.
	signal chan struct{}
}

// NewCredits returns a coordinator with capacity credits, all available.
func NewCredits(capacity int) *Credits {
	if capacity < 1 {
		capacity = 1
	}
	return &Credits{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Capacity returns the total number of credits.
func (c *Credits) Capacity() int { return c.capacity }

// Available returns the number of credits that can be reserved right now.
func (c *Credits) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - c.reserved
}

// InFlight returns the number of reserved credits.
func (c *Credits) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved
}

// Reserve takes up to n credits and returns how many it got (possibly 0).
func (c *Credits) Reserve(n int) int {
	if n <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	got := min(n, c.capacity-c.reserved)
	c.reserved += got
	return got
}

// Release returns n credits. Releasing more than is reserved is clamped.
func (c *Credits) Release(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.reserved -= min(n, c.reserved)
	c.mu.Unlock()
	c.notify()
}

// Wait blocks until at least one credit is available or ctx is done.
func (c *Credits) Wait(ctx context.Context) error {
	for {
		if c.Available() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.signal:
		}
	}
}

func (c *Credits) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}
