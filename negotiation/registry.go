// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"log/slog"

	"github.com/bureau-foundation/session/lib/sequence"
)

// Transport is a negotiated transport owned by a [TransportRegistry].
// The registry closes a transport exactly once, when destruction
// removes it from the named store.
type Transport interface {
	// Close releases the transport's resources. Called by the
	// registry on destruction; errors are logged, not propagated.
	Close() error
}

// MappingObserver learns about every mid-to-transport mapping change
// the registry makes. The observer runs inline on the registry's
// owner goroutine and must not call back into the registry.
type MappingObserver interface {
	// TransportChanged reports that mid now maps to transport, or to
	// no transport when transport is nil. The return value matters
	// only for additions: returning false rejects the new mapping as
	// a negotiation failure, which
	// [TransportRegistry.SetTransportForMid] hands back to its
	// caller. Removals must succeed; returning false for a nil
	// transport is an observer bug.
	TransportChanged(mid string, transport Transport) bool
}

// StateObserver learns that a transport was destroyed. It fires once
// per transport reclaimed by [TransportRegistry.MaybeDestroyTransport],
// after the transport has been removed and closed. Same inline,
// no-reentrancy contract as [MappingObserver].
type StateObserver interface {
	TransportDestroyed()
}

// TransportRegistry owns every negotiated transport by name and
// tracks which mid is served by which transport. Mappings made since
// the last commit are provisional: [TransportRegistry.CommitTransports]
// makes them permanent and [TransportRegistry.RollbackTransports]
// unwinds them, destroying transports left unreferenced. All
// operations must run on the registry's owner goroutine.
type TransportRegistry struct {
	sequence sequence.Checker
	logger   *slog.Logger

	mapping MappingObserver
	state   StateObserver

	// transportsByName holds every live transport, keyed by the name
	// it was registered under. Exclusive ownership: a transport's
	// lifetime ends only by removal from this map.
	transportsByName map[string]Transport

	// midToTransport is the non-owning routing view. Values alias
	// entries of transportsByName.
	midToTransport map[string]Transport

	// pendingMids records, in call order, every mid mapped since the
	// last commit or rollback. Duplicates are kept; rollback replays
	// the log as written.
	pendingMids []string
}

// NewTransportRegistry creates an empty registry reporting to the
// given observers. Both observers are required. A nil logger uses
// [slog.Default].
func NewTransportRegistry(mapping MappingObserver, state StateObserver, logger *slog.Logger) *TransportRegistry {
	if mapping == nil {
		panic("negotiation: NewTransportRegistry requires a mapping observer")
	}
	if state == nil {
		panic("negotiation: NewTransportRegistry requires a state observer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportRegistry{
		logger:           logger,
		mapping:          mapping,
		state:            state,
		transportsByName: make(map[string]Transport),
		midToTransport:   make(map[string]Transport),
	}
}

// RegisterTransport stores transport under name, taking ownership. By
// convention the name is the mid the transport was created for, which
// is what lets rollback sweep the named store by pending mid.
// Registering over an existing name closes the displaced transport:
// it has lost its only owning reference.
func (r *TransportRegistry) RegisterTransport(name string, transport Transport) {
	r.sequence.Check()
	if transport == nil {
		panic("negotiation: RegisterTransport requires a transport")
	}
	if previous, ok := r.transportsByName[name]; ok && previous != transport {
		r.closeTransport(name, previous)
	}
	r.transportsByName[name] = transport
	r.logger.Debug("transport registered", "name", name)
}

// Transports returns a snapshot of all owned transports, in map
// order. The slice is the caller's; the transports remain the
// registry's.
func (r *TransportRegistry) Transports() []Transport {
	r.sequence.Check()
	transports := make([]Transport, 0, len(r.transportsByName))
	for _, transport := range r.transportsByName {
		transports = append(transports, transport)
	}
	return transports
}

// TransportByName returns the transport registered under name, or nil
// when the name is unknown.
func (r *TransportRegistry) TransportByName(name string) Transport {
	r.sequence.Check()
	return r.transportsByName[name]
}

// TransportForMid returns the transport currently serving mid, or nil
// when the mid is unmapped.
func (r *TransportRegistry) TransportForMid(mid string) Transport {
	r.sequence.Check()
	return r.midToTransport[mid]
}

// SetTransportForMid maps mid to transport and reports whether the
// observer accepted the mapping. Mapping a mid to the transport it
// already maps to is a no-op returning true: nothing is recorded and
// the observer is not consulted. Otherwise the mid joins the pending
// log before the observer runs, so a later rollback unwinds the
// attempt whether the observer accepted it or not.
func (r *TransportRegistry) SetTransportForMid(mid string, transport Transport) bool {
	r.sequence.Check()
	if transport == nil {
		panic("negotiation: SetTransportForMid requires a transport")
	}
	if r.midToTransport[mid] == transport {
		return true
	}
	r.pendingMids = append(r.pendingMids, mid)
	r.midToTransport[mid] = transport
	r.logger.Debug("mid mapped", "mid", mid)
	return r.mapping.TransportChanged(mid, transport)
}

// RemoveTransportForMid unmaps mid. The observer is notified first;
// removals are not allowed to fail, so an observer rejecting one
// indicates corrupted upstream state and the registry panics rather
// than continue with mismatched views. Removing an unmapped mid still
// notifies the observer and is otherwise a no-op.
func (r *TransportRegistry) RemoveTransportForMid(mid string) {
	r.sequence.Check()
	if !r.mapping.TransportChanged(mid, nil) {
		panic("negotiation: observer rejected a mapping removal")
	}
	delete(r.midToTransport, mid)
	r.logger.Debug("mid unmapped", "mid", mid)
}

// CommitTransports makes every provisional mapping permanent. The
// pending log is cleared; a later rollback cannot reach mappings made
// before this call.
func (r *TransportRegistry) CommitTransports() {
	r.sequence.Check()
	r.pendingMids = nil
}

// RollbackTransports unwinds every mapping made since the last commit
// boundary, in two phases over the pending log in call order: first
// every pending mid is unmapped, then each pending mid is swept as a
// transport name through [TransportRegistry.MaybeDestroyTransport].
// Detaching every mid before destroying anything keeps a transport
// shared by two pending mids alive through the first mid's sweep; the
// second finds it unreferenced and reclaims it.
func (r *TransportRegistry) RollbackTransports() {
	r.sequence.Check()
	for _, mid := range r.pendingMids {
		r.RemoveTransportForMid(mid)
	}
	for _, mid := range r.pendingMids {
		r.MaybeDestroyTransport(mid)
	}
	r.pendingMids = nil
}

// TransportInUse reports whether any mid currently maps to transport.
func (r *TransportRegistry) TransportInUse(transport Transport) bool {
	r.sequence.Check()
	for _, mapped := range r.midToTransport {
		if mapped == transport {
			return true
		}
	}
	return false
}

// MaybeDestroyTransport destroys the transport registered under name
// if no mid references it. Unknown names and transports still in use
// are left alone, making the call safe to issue whenever a reference
// might have been dropped. On destruction the transport is removed
// from the named store, closed, and the state observer is notified.
// Destruction happens only here: removing a mid's mapping never
// reclaims a transport on its own.
func (r *TransportRegistry) MaybeDestroyTransport(name string) {
	r.sequence.Check()
	transport, ok := r.transportsByName[name]
	if !ok {
		return
	}
	if r.TransportInUse(transport) {
		return
	}
	delete(r.transportsByName, name)
	r.closeTransport(name, transport)
	r.state.TransportDestroyed()
}

// DestroyAllTransports tears down the registry. Every owned transport
// is reported to the mapping observer as unmapped under its
// registered name, closed, and dropped; the observer's verdicts are
// ignored. The state observer is not notified, and the pending log
// plays no part: full teardown is not a rollback. The registry is
// empty afterward.
func (r *TransportRegistry) DestroyAllTransports() {
	r.sequence.Check()
	for name, transport := range r.transportsByName {
		r.mapping.TransportChanged(name, nil)
		r.closeTransport(name, transport)
	}
	clear(r.transportsByName)
	clear(r.midToTransport)
	r.pendingMids = nil
}

// closeTransport closes a transport the registry no longer owns,
// logging failures.
func (r *TransportRegistry) closeTransport(name string, transport Transport) {
	if err := transport.Close(); err != nil {
		r.logger.Warn("transport close failed", "name", name, "error", err)
	}
	r.logger.Debug("transport destroyed", "name", name)
}
