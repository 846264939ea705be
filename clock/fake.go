// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still and nothing runs until Advance or Flush is called.
//
// FakeClock is safe for concurrent use, but callbacks always run on the
// goroutine that calls Advance.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	posted  []func()
	waiters []*fakeWaiter
	seq     uint64
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Post queues f; it runs on the next Advance or Flush.
func (c *FakeClock) Post(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posted = append(c.posted, f)
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		seq:      c.seq,
		callback: f,
	}
	c.waiters = append(c.waiters, waiter)

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// Advance moves the clock forward by d. Posted work is drained first,
// then due timers fire one at a time in deadline order (ties in
// scheduling order), draining work they post before the next timer.
// The clock reads a timer's deadline while its callback runs.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		if f := c.popPosted(); f != nil {
			f()
			continue
		}
		waiter := c.popDue(target)
		if waiter == nil {
			break
		}
		waiter.callback()
	}

	c.mu.Lock()
	if c.current.Before(target) {
		c.current = target
	}
	c.mu.Unlock()
}

// Flush runs all posted work and zero-delay timers without moving the
// clock.
func (c *FakeClock) Flush() { c.Advance(0) }

// PendingCount returns the number of timers that have neither fired nor
// been stopped, plus queued posted work.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.posted)
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}

func (c *FakeClock) popPosted() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.posted) == 0 {
		return nil
	}
	f := c.posted[0]
	c.posted[0] = nil
	c.posted = c.posted[1:]
	return f
}

// popDue removes and returns the earliest live waiter due at or before
// target, moving the clock to its deadline.
func (c *FakeClock) popDue(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if waiter.stopped || waiter.fired {
			continue
		}
		remaining = append(remaining, waiter)
	}
	c.waiters = remaining

	for i, waiter := range c.waiters {
		if waiter.deadline.After(target) {
			continue
		}
		if best < 0 || waiter.deadline.Before(c.waiters[best].deadline) ||
			(waiter.deadline.Equal(c.waiters[best].deadline) && waiter.seq < c.waiters[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	waiter := c.waiters[best]
	waiter.fired = true
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	if waiter.deadline.After(c.current) {
		c.current = waiter.deadline
	}
	return waiter
}
