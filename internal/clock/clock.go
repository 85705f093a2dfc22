// Package clock provides a small time abstraction so backoff and
// heartbeat logic can be driven manually in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time surface used by reconnect and heartbeat code.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After waits for the duration to elapse and then sends the current
	// time on the returned channel.
	After(d time.Duration) <-chan time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Real implements Clock with the standard time package.
type Real struct{}

// NewReal creates a Real clock.
func NewReal() *Real { return &Real{} }

func (c *Real) Now() time.Time                         { return time.Now() }
func (c *Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Mock implements Clock with manually advanced time for tests.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMock creates a Mock clock starting at start.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (c *Mock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Mock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{deadline: c.current.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- c.current
		return w.ch
	}
	c.waiters = append(c.waiters, w)
	return w.ch
}

func (c *Mock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves time forward and fires any waiters that came due.
func (c *Mock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*waiter
	var remaining []*waiter
	for _, w := range c.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}
