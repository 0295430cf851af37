// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sequence provides a runtime assertion that a set of
// operations all execute on a single goroutine.
//
// Several session engine components are deliberately lock-free: they
// are specified to run on one owner goroutine, and a call from any
// other goroutine is a bug in the caller, not a contended resource.
// Embedding a [Checker] and calling Check at the top of every public
// operation turns that contract into an immediate panic instead of a
// data race that surfaces later as corrupted state.
//
// A Checker binds to the goroutine of its first Check call. Detach
// releases the binding so ownership can move, which covers the common
// pattern of constructing a value on one goroutine and operating it
// from another.
package sequence
