// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sequence

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Checker asserts single-goroutine affinity. The zero value is ready
// for use: the first Check call binds the checker to the calling
// goroutine, and every later Check from a different goroutine panics.
//
// Checker is intended to be embedded as an unexported struct field and
// checked at the top of each public operation:
//
//	type Registry struct {
//	    sequence sequence.Checker
//	    // ...
//	}
//
//	func (r *Registry) Lookup(name string) Entry {
//	    r.sequence.Check()
//	    // ...
//	}
//
// Check is not a lock and never serializes callers; it only detects
// cross-goroutine use and fails fast.
type Checker struct {
	// owner holds the bound goroutine id, or 0 when unbound.
	// Goroutine ids start at 1, so 0 is never a real owner.
	owner atomic.Int64
}

// Check binds the checker to the calling goroutine on first use and
// panics when called from any other goroutine afterwards. The panic
// message names both goroutine ids to make the offending call site
// easy to find in the stack trace.
func (c *Checker) Check() {
	current := goroutineID()
	if c.owner.CompareAndSwap(0, current) {
		return
	}
	if owner := c.owner.Load(); owner != current {
		panic(fmt.Sprintf("sequence: call on goroutine %d, but owner is goroutine %d", current, owner))
	}
}

// Detach releases the goroutine binding. The next Check call rebinds
// to its caller. Use this when handing a checked value from the
// goroutine that constructed it to the goroutine that will operate it.
func (c *Checker) Detach() {
	c.owner.Store(0)
}

// goroutineID extracts the numeric goroutine id from the first line of
// a stack snapshot, which has the fixed form "goroutine N [state]:".
// The runtime offers no direct accessor; this parse is the accepted
// way to obtain the id for diagnostics.
func goroutineID() int64 {
	var buffer [64]byte
	written := runtime.Stack(buffer[:], false)
	stack := buffer[:written]

	const prefix = "goroutine "
	if len(stack) <= len(prefix) {
		return 0
	}
	stack = stack[len(prefix):]

	var id int64
	for _, character := range stack {
		if character < '0' || character > '9' {
			break
		}
		id = id*10 + int64(character-'0')
	}
	return id
}
