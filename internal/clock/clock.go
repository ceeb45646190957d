// Package clock abstracts time so the trading loop's cycle cadence and
// schedule boundaries can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and timed waits.
type Clock interface {
	Now() time.Time
	// After waits for d to elapse and then sends the current time on the
	// returned channel.
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the time package.
type RealClock struct{}

// NewRealClock creates a wall clock.
func NewRealClock() Clock {
	return &RealClock{}
}

// Now implements Clock.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// After implements Clock.
func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// ManualClock is an injectable clock advanced explicitly by tests.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualClock creates a manual clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{
		now:     start,
		waiters: nil,
	}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// After implements Clock.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)

	if d <= 0 {
		ch <- c.now

		return ch
	}

	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})

	return ch
}

// Advance moves the clock forward and releases any waiters whose deadline
// has passed.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	remaining := c.waiters[:0]

	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}

	c.waiters = remaining
}

var _ Clock = (*RealClock)(nil)

var _ Clock = (*ManualClock)(nil)
