// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package clock

import "time"

// Clock schedules deferred work. Production code injects Real(); tests
// inject Fake() and advance it explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Post queues f behind all previously posted work. Post never runs
	// f before returning.
	Post(f func())

	// AfterFunc queues f once d has elapsed. If d <= 0 it is equivalent
	// to Post. The returned Timer cancels the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer represents a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns true if the call stops
// the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
