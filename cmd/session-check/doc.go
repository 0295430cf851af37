// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// session-check is a loopback self-check for the negotiation engine.
// It stands up two in-process endpoints, negotiates a bundled pair of
// mids onto one shared transport through a BundleManager and
// TransportRegistry round, proves data flows over an opened channel,
// commits the round, then stages a second tentative transport and
// rolls it back, verifying the committed mapping survives and the
// tentative transport is reclaimed exactly once.
//
// By default signaling happens in process through a MemorySignaler.
// With --socket, the check spawns a SignalServer on the given path and
// routes all signaling through SocketSignaler clients, exercising the
// CBOR wire format end to end.
//
// Exit codes: 0 when the check passes, 1 when a negotiation or
// verification step fails, 2 for usage errors.
package main
