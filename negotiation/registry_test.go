// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

// mappingRecorder implements MappingObserver, recording every change
// in call order. Additions for mids in rejectAdditions are refused;
// removals are refused when rejectRemovals is set (a misbehaving
// observer, used to exercise the contract check).
type mappingRecorder struct {
	changes         []mappingChange
	rejectAdditions map[string]bool
	rejectRemovals  bool
}

type mappingChange struct {
	mid       string
	transport Transport
}

func (m *mappingRecorder) TransportChanged(mid string, transport Transport) bool {
	m.changes = append(m.changes, mappingChange{mid: mid, transport: transport})
	if transport == nil {
		return !m.rejectRemovals
	}
	return !m.rejectAdditions[mid]
}

// destructionCounter implements StateObserver.
type destructionCounter struct {
	count int
}

func (d *destructionCounter) TransportDestroyed() { d.count++ }

// stubTransport counts Close calls and can be scripted to fail them.
type stubTransport struct {
	closeCount int
	closeErr   error
}

func (s *stubTransport) Close() error {
	s.closeCount++
	return s.closeErr
}

func newTestRegistry() (*TransportRegistry, *mappingRecorder, *destructionCounter) {
	mapping := &mappingRecorder{}
	state := &destructionCounter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTransportRegistry(mapping, state, logger), mapping, state
}

func TestNewTransportRegistry_NilObserverPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		mapping MappingObserver
		state   StateObserver
	}{
		{name: "nil mapping", mapping: nil, state: &destructionCounter{}},
		{name: "nil state", mapping: &mappingRecorder{}, state: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewTransportRegistry did not panic")
				}
			}()
			NewTransportRegistry(tt.mapping, tt.state, logger)
		})
	}
}

// Registering over a live name drops ownership of the displaced
// transport, which must be closed exactly once. Re-registering the
// same instance must not close it.
func TestRegisterTransport_OverwriteClosesPrevious(t *testing.T) {
	registry, _, _ := newTestRegistry()
	first := &stubTransport{}
	second := &stubTransport{}

	registry.RegisterTransport("audio", first)
	registry.RegisterTransport("audio", first)
	if first.closeCount != 0 {
		t.Fatalf("re-registering the same transport closed it %d times", first.closeCount)
	}

	registry.RegisterTransport("audio", second)
	if first.closeCount != 1 {
		t.Errorf("displaced transport closeCount = %d, want 1", first.closeCount)
	}
	if got := registry.TransportByName("audio"); got != second {
		t.Errorf("TransportByName(audio) = %v, want the replacement transport", got)
	}
}

func TestRegisterTransport_NilPanics(t *testing.T) {
	registry, _, _ := newTestRegistry()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for nil transport")
		}
	}()
	registry.RegisterTransport("audio", nil)
}

func TestTransportLookups(t *testing.T) {
	registry, _, _ := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)

	if got := registry.TransportByName("audio"); got != transport {
		t.Errorf("TransportByName(audio) = %v, want the registered transport", got)
	}
	if got := registry.TransportByName("video"); got != nil {
		t.Errorf("TransportByName(video) = %v, want nil", got)
	}
	if got := registry.TransportForMid("audio"); got != nil {
		t.Errorf("TransportForMid(audio) = %v before any mapping, want nil", got)
	}

	registry.SetTransportForMid("audio", transport)
	if got := registry.TransportForMid("audio"); got != transport {
		t.Errorf("TransportForMid(audio) = %v, want the mapped transport", got)
	}

	transports := registry.Transports()
	if len(transports) != 1 || transports[0] != transport {
		t.Errorf("Transports() = %v, want exactly the registered transport", transports)
	}
}

// Mapping a mid to the transport it already maps to must not touch the
// pending log or the observer. The rollback that follows proves the
// log held a single entry: exactly one removal notification fires.
func TestSetTransportForMid_Idempotent(t *testing.T) {
	registry, mapping, _ := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)

	if !registry.SetTransportForMid("audio", transport) {
		t.Fatal("first SetTransportForMid = false, want true")
	}
	if !registry.SetTransportForMid("audio", transport) {
		t.Fatal("repeated SetTransportForMid = false, want true")
	}
	if len(mapping.changes) != 1 {
		t.Fatalf("observer saw %d changes after an idempotent re-map, want 1", len(mapping.changes))
	}

	registry.RollbackTransports()
	removals := 0
	for _, change := range mapping.changes[1:] {
		if change.transport == nil {
			removals++
		}
	}
	if removals != 1 {
		t.Errorf("rollback produced %d removal notifications, want 1", removals)
	}
}

func TestSetTransportForMid_NilTransportPanics(t *testing.T) {
	registry, _, _ := newTestRegistry()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic for nil transport")
		}
	}()
	registry.SetTransportForMid("audio", nil)
}

// A rejected addition is an expected negotiation outcome: the verdict
// comes back to the caller, yet the internal mapping keeps the new
// transport. Rollback is the designated recovery path, not an
// automatic undo inside the call.
func TestSetTransportForMid_RejectionReturnedVerbatim(t *testing.T) {
	registry, mapping, _ := newTestRegistry()
	mapping.rejectAdditions = map[string]bool{"video": true}
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)

	if !registry.SetTransportForMid("audio", transport) {
		t.Fatal("SetTransportForMid(audio) = false, want true")
	}
	if registry.SetTransportForMid("video", transport) {
		t.Fatal("SetTransportForMid(video) = true, want the observer's rejection")
	}
	if got := registry.TransportForMid("video"); got != transport {
		t.Errorf("TransportForMid(video) = %v after rejection, want the transport still mapped", got)
	}

	registry.RollbackTransports()
	if got := registry.TransportForMid("video"); got != nil {
		t.Errorf("TransportForMid(video) = %v after rollback, want nil", got)
	}
}

// Removals must never be refused; an observer doing so indicates
// corrupted upstream state.
func TestRemoveTransportForMid_RejectedRemovalPanics(t *testing.T) {
	registry, mapping, _ := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)
	registry.SetTransportForMid("audio", transport)
	mapping.rejectRemovals = true

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when the observer rejects a removal")
		}
	}()
	registry.RemoveTransportForMid("audio")
}

// Removing a mid that is not mapped still notifies the observer; the
// erase itself is a silent no-op.
func TestRemoveTransportForMid_UnmappedStillNotifies(t *testing.T) {
	registry, mapping, _ := newTestRegistry()

	registry.RemoveTransportForMid("ghost")

	if len(mapping.changes) != 1 {
		t.Fatalf("observer saw %d changes, want 1", len(mapping.changes))
	}
	change := mapping.changes[0]
	if change.mid != "ghost" || change.transport != nil {
		t.Errorf("observer saw change (%q, %v), want (%q, nil)", change.mid, change.transport, "ghost")
	}
}

// Two mids on one transport, then rollback: both associations are
// detached first, and only then is the transport reclaimed, exactly
// once. The transport carries the name of its first mid, which is how
// the destruction sweep finds it.
func TestRollbackTransports_SharedTransportDestroyedOnce(t *testing.T) {
	registry, mapping, state := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)
	registry.SetTransportForMid("audio", transport)
	registry.SetTransportForMid("video", transport)

	registry.RollbackTransports()

	wantChanges := []mappingChange{
		{mid: "audio", transport: transport},
		{mid: "video", transport: transport},
		{mid: "audio", transport: nil},
		{mid: "video", transport: nil},
	}
	if len(mapping.changes) != len(wantChanges) {
		t.Fatalf("observer saw %d changes, want %d", len(mapping.changes), len(wantChanges))
	}
	for index, want := range wantChanges {
		if mapping.changes[index] != want {
			t.Errorf("change[%d] = (%q, %v), want (%q, %v)",
				index, mapping.changes[index].mid, mapping.changes[index].transport, want.mid, want.transport)
		}
	}

	if transport.closeCount != 1 {
		t.Errorf("transport closeCount = %d, want 1", transport.closeCount)
	}
	if state.count != 1 {
		t.Errorf("TransportDestroyed fired %d times, want 1", state.count)
	}
	if got := registry.TransportForMid("audio"); got != nil {
		t.Errorf("TransportForMid(audio) = %v after rollback, want nil", got)
	}
	if got := registry.TransportForMid("video"); got != nil {
		t.Errorf("TransportForMid(video) = %v after rollback, want nil", got)
	}
	if got := registry.TransportByName("audio"); got != nil {
		t.Errorf("TransportByName(audio) = %v after rollback, want nil", got)
	}
	if got := registry.Transports(); len(got) != 0 {
		t.Errorf("Transports() has %d entries after rollback, want 0", len(got))
	}
}

// Mappings committed before the transaction survive a rollback
// untouched, including when the transaction mapped additional mids to
// the committed transport.
func TestRollbackTransports_RestoresCommittedMapping(t *testing.T) {
	registry, _, state := newTestRegistry()
	committed := &stubTransport{}
	registry.RegisterTransport("audio", committed)
	registry.SetTransportForMid("audio", committed)
	registry.CommitTransports()

	tentative := &stubTransport{}
	registry.RegisterTransport("screen", tentative)
	registry.SetTransportForMid("screen", tentative)
	registry.SetTransportForMid("video", committed)

	registry.RollbackTransports()

	if got := registry.TransportForMid("audio"); got != committed {
		t.Errorf("TransportForMid(audio) = %v after rollback, want the committed transport", got)
	}
	if got := registry.TransportForMid("screen"); got != nil {
		t.Errorf("TransportForMid(screen) = %v after rollback, want nil", got)
	}
	if got := registry.TransportForMid("video"); got != nil {
		t.Errorf("TransportForMid(video) = %v after rollback, want nil", got)
	}
	if tentative.closeCount != 1 {
		t.Errorf("tentative transport closeCount = %d, want 1", tentative.closeCount)
	}
	if committed.closeCount != 0 {
		t.Errorf("committed transport closeCount = %d, want 0", committed.closeCount)
	}
	if state.count != 1 {
		t.Errorf("TransportDestroyed fired %d times, want 1", state.count)
	}
}

// After a commit the pending log is empty: rollback has nothing to
// unwind and must not alter state.
func TestCommitTransports_Irreversible(t *testing.T) {
	registry, mapping, state := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)
	registry.SetTransportForMid("audio", transport)

	registry.CommitTransports()
	changesBefore := len(mapping.changes)
	registry.RollbackTransports()

	if len(mapping.changes) != changesBefore {
		t.Errorf("rollback after commit produced %d observer calls, want 0",
			len(mapping.changes)-changesBefore)
	}
	if got := registry.TransportForMid("audio"); got != transport {
		t.Errorf("TransportForMid(audio) = %v, want the committed transport", got)
	}
	if transport.closeCount != 0 {
		t.Errorf("transport closeCount = %d, want 0", transport.closeCount)
	}
	if state.count != 0 {
		t.Errorf("TransportDestroyed fired %d times, want 0", state.count)
	}
}

func TestTransportInUse(t *testing.T) {
	registry, _, _ := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)

	if registry.TransportInUse(transport) {
		t.Error("TransportInUse = true before any mapping")
	}
	registry.SetTransportForMid("audio", transport)
	if !registry.TransportInUse(transport) {
		t.Error("TransportInUse = false while a mid maps to the transport")
	}
	registry.RemoveTransportForMid("audio")
	if registry.TransportInUse(transport) {
		t.Error("TransportInUse = true after the last mid was removed")
	}
}

// Destruction is lazy: removing the last referencing mid reclaims
// nothing on its own, an in-use transport survives the check, and only
// an explicit check on an unreferenced transport destroys it.
func TestMaybeDestroyTransport(t *testing.T) {
	registry, _, state := newTestRegistry()
	transport := &stubTransport{}
	registry.RegisterTransport("audio", transport)
	registry.SetTransportForMid("audio", transport)

	// Unknown name: nothing happens.
	registry.MaybeDestroyTransport("ghost")
	if state.count != 0 {
		t.Fatalf("TransportDestroyed fired %d times for an unknown name, want 0", state.count)
	}

	// Still referenced: nothing happens.
	registry.MaybeDestroyTransport("audio")
	if transport.closeCount != 0 || state.count != 0 {
		t.Fatal("in-use transport was destroyed")
	}

	registry.RemoveTransportForMid("audio")
	if transport.closeCount != 0 {
		t.Fatal("removing the mid destroyed the transport without a destruction check")
	}

	registry.MaybeDestroyTransport("audio")
	if transport.closeCount != 1 {
		t.Errorf("transport closeCount = %d, want 1", transport.closeCount)
	}
	if state.count != 1 {
		t.Errorf("TransportDestroyed fired %d times, want 1", state.count)
	}
	if got := registry.TransportByName("audio"); got != nil {
		t.Errorf("TransportByName(audio) = %v after destruction, want nil", got)
	}
}

// A failing Close must not derail destruction: the transport is still
// dropped and the state observer still notified.
func TestMaybeDestroyTransport_CloseFailure(t *testing.T) {
	registry, _, state := newTestRegistry()
	transport := &stubTransport{closeErr: errors.New("socket already gone")}
	registry.RegisterTransport("audio", transport)

	registry.MaybeDestroyTransport("audio")

	if transport.closeCount != 1 {
		t.Errorf("transport closeCount = %d, want 1", transport.closeCount)
	}
	if state.count != 1 {
		t.Errorf("TransportDestroyed fired %d times, want 1", state.count)
	}
	if got := registry.TransportByName("audio"); got != nil {
		t.Errorf("TransportByName(audio) = %v after failed close, want nil", got)
	}
}

// Full teardown notifies the mapping observer once per owned
// transport, keyed by registered name, and empties the registry. The
// state observer stays silent; teardown is not lazy destruction.
func TestDestroyAllTransports(t *testing.T) {
	registry, mapping, state := newTestRegistry()
	audio := &stubTransport{}
	screen := &stubTransport{}
	registry.RegisterTransport("audio", audio)
	registry.RegisterTransport("screen", screen)
	registry.SetTransportForMid("audio", audio)
	mapping.changes = nil

	registry.DestroyAllTransports()

	// Map iteration order is unspecified; check the set of names.
	notified := make(map[string]bool)
	for _, change := range mapping.changes {
		if change.transport != nil {
			t.Errorf("teardown notification for %q carried a transport, want nil", change.mid)
		}
		notified[change.mid] = true
	}
	if len(notified) != 2 || !notified["audio"] || !notified["screen"] {
		t.Errorf("teardown notified names %v, want audio and screen", notified)
	}

	if audio.closeCount != 1 || screen.closeCount != 1 {
		t.Errorf("closeCounts = (%d, %d), want (1, 1)", audio.closeCount, screen.closeCount)
	}
	if state.count != 0 {
		t.Errorf("TransportDestroyed fired %d times during teardown, want 0", state.count)
	}
	if got := registry.Transports(); len(got) != 0 {
		t.Errorf("Transports() has %d entries after teardown, want 0", len(got))
	}
	if got := registry.TransportForMid("audio"); got != nil {
		t.Errorf("TransportForMid(audio) = %v after teardown, want nil", got)
	}
}

// Teardown does not consult the observer's verdict: a rejection that
// would be fatal in RemoveTransportForMid is ignored here.
func TestDestroyAllTransports_IgnoresObserverVerdict(t *testing.T) {
	registry, mapping, _ := newTestRegistry()
	registry.RegisterTransport("audio", &stubTransport{})
	mapping.rejectRemovals = true

	registry.DestroyAllTransports()

	if got := registry.Transports(); len(got) != 0 {
		t.Errorf("Transports() has %d entries after teardown, want 0", len(got))
	}
}

// All registry operations are bound to the goroutine that first used
// it; a call from any other goroutine is a fatal contract violation.
func TestTransportRegistry_CrossGoroutineCallPanics(t *testing.T) {
	registry, _, _ := newTestRegistry()
	registry.RegisterTransport("audio", &stubTransport{})

	panicked := make(chan bool, 1)
	go func() {
		defer func() {
			panicked <- recover() != nil
		}()
		registry.Transports()
	}()
	if !<-panicked {
		t.Fatal("expected a cross-goroutine call to panic")
	}
}
