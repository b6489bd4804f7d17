package testutil

import (
	"sync"
	"time"
)

// Clock is a manually advanced time source for components that take a
// now func() time.Time hook.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current frozen time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
