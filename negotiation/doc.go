// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package negotiation provides the transactional bookkeeping core of
// the session engine: which mids (logical stream identifiers) are
// bound to which transports, and which sets of mids are grouped to
// share a single transport.
//
// [BundleManager] owns the bundle groups of the current negotiation
// round. The stored groups are replaced wholesale by [BundleManager.Update]
// each round; between updates, [BundleManager.DeleteMid] and
// [BundleManager.DeleteGroup] apply targeted edits during rejection and
// fallback handling. Callers identify a group by the handle returned
// from [BundleManager.Groups] — handles are matched by identity, not
// content, so a handle stays valid across edits within one round.
//
// [TransportRegistry] exclusively owns every registered [Transport]
// and maintains the mid→transport association consumed upstream.
// Association changes made during a negotiation round are tentative:
// each touched mid is recorded in a pending log, and the round ends
// with either [TransportRegistry.CommitTransports] (the tentative
// state becomes permanent) or [TransportRegistry.RollbackTransports]
// (every pending association is detached, then transports left
// unreferenced are destroyed). Destruction is lazy — a transport is
// reclaimed only when [TransportRegistry.MaybeDestroyTransport] runs
// for its name and no mid references it.
//
// The registry reports changes through two collaborator interfaces
// fixed at construction: [MappingObserver] applies or removes the
// association in upstream structures and may reject an addition, and
// [StateObserver] is notified whenever a transport is actually
// destroyed. Observers run inline on the caller's goroutine and must
// not call back into the registry.
//
// Both components are confined to a single owner goroutine, enforced
// by lib/sequence rather than a lock: concurrent use is a caller bug
// and panics immediately. No operation blocks or performs I/O.
package negotiation
