// Package testutil provides deterministic test doubles for the engines'
// external collaborators: the wall clock, the health data source, the
// backend facade, and id generation.
package testutil

import (
	"sync"
	"time"
)

// Clock is a settable wall clock for tests. Engines take its Now method
// as their clock function, so a test controls exactly what "now" means
// at every step of a scenario.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock creates a clock frozen at the given time.
func NewClock(at time.Time) *Clock {
	return &Clock{t: at}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set moves the clock to an absolute time.
func (c *Clock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = at
}
