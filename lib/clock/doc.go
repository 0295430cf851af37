// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface instead of calling time.Now,
// time.After, time.NewTicker, or time.Sleep directly. Real() provides
// standard library behavior; tests inject Fake(), a deterministic clock
// that moves only when Advance is called.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Endpoint struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	e := &Endpoint{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	e := &Endpoint{clock: c}
//	// ... start goroutines ...
//	c.WaitForTimers(1) // wait for a goroutine to register a timer
//	c.Advance(5 * time.Second) // fire it deterministically
//
// # FakeClock Synchronization
//
// A goroutine calling Sleep, After, or NewTicker on a FakeClock
// registers a pending waiter. WaitForTimers blocks until a given
// number of waiters are registered, eliminating the race between a
// goroutine arming its timeout and the test advancing the clock.
package clock
