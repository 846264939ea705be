// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clock abstracts deferred execution for the router and its
// transports.
//
// Every piece of framerpc that would otherwise call time.AfterFunc or
// spawn a goroutine to "run this later" goes through a [Clock]. The
// interface has two scheduling primitives:
//
//   - [Clock.Post] queues a function to run after every function posted
//     before it, never synchronously inside Post. This is the zero-delay
//     timer of a single-threaded host: work posted from inside a posted
//     function runs after the current one returns.
//   - [Clock.AfterFunc] runs a function through the same queue once a
//     duration has elapsed. A non-positive duration behaves like Post.
//
// [Real] drains the queue on one goroutine at a time, so deferred work
// never runs concurrently with other deferred work from the same clock.
// [Fake] never runs anything on its own: tests call [FakeClock.Advance]
// (or [FakeClock.Flush]) to drain posted work and fire due timers in
// deadline order, which makes handshake retries and relay searches
// deterministic.
package clock
