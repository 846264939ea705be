// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Real returns a Clock backed by the standard time package. Posted and
// timed work is drained FIFO by a single worker goroutine that exits
// when the queue is empty and is restarted by the next Post.
func Real() Clock { return &realClock{} }

type realClock struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (c *realClock) Now() time.Time { return time.Now() }

func (c *realClock) Post(f func()) {
	c.mu.Lock()
	c.queue = append(c.queue, f)
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	go c.drain()
}

func (c *realClock) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		f := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		f()
	}
}

func (c *realClock) AfterFunc(d time.Duration, f func()) *Timer {
	// state: 0 pending, 1 fired, 2 stopped
	var state atomic.Int32
	run := func() {
		if state.CompareAndSwap(0, 1) {
			f()
		}
	}
	if d <= 0 {
		c.Post(run)
		return &Timer{stopFunc: func() bool { return state.CompareAndSwap(0, 2) }}
	}
	timer := time.AfterFunc(d, func() { c.Post(run) })
	return &Timer{stopFunc: func() bool {
		timer.Stop()
		return state.CompareAndSwap(0, 2)
	}}
}
