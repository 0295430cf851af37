// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package negotiation

import (
	"slices"

	"github.com/bureau-foundation/session/lib/sequence"
)

// GroupKind tags the semantic meaning of a group of mids in a session
// description.
type GroupKind string

// GroupKindBundle marks a group whose mids are negotiated to share a
// single transport.
const GroupKindBundle GroupKind = "bundle"

// BundleGroup is an ordered set of mids with a group-kind tag. Groups
// stored in a BundleManager are identified by handle (pointer
// identity), not by content: two groups with identical mids are still
// distinct handles.
type BundleGroup struct {
	kind GroupKind
	mids []string
}

// NewBundleGroup creates a group of the given kind containing mids in
// order.
func NewBundleGroup(kind GroupKind, mids ...string) *BundleGroup {
	return &BundleGroup{
		kind: kind,
		mids: slices.Clone(mids),
	}
}

// Kind returns the group-kind tag.
func (g *BundleGroup) Kind() GroupKind { return g.kind }

// Mids returns a copy of the group's mids in order. Mutating the
// returned slice does not affect the group.
func (g *BundleGroup) Mids() []string { return slices.Clone(g.mids) }

// HasMid reports whether mid is a member of the group.
func (g *BundleGroup) HasMid(mid string) bool {
	return slices.Contains(g.mids, mid)
}

// AddMid appends mid to the group. Duplicates are not rejected; the
// grouping source is responsible for supplying well-formed groups.
func (g *BundleGroup) AddMid(mid string) {
	g.mids = append(g.mids, mid)
}

// RemoveMid removes the first occurrence of mid from the group and
// reports whether a member was removed.
func (g *BundleGroup) RemoveMid(mid string) bool {
	position := slices.Index(g.mids, mid)
	if position < 0 {
		return false
	}
	g.mids = slices.Delete(g.mids, position, position+1)
	return true
}

// clone returns a deep copy with fresh handle identity.
func (g *BundleGroup) clone() *BundleGroup {
	return &BundleGroup{
		kind: g.kind,
		mids: slices.Clone(g.mids),
	}
}

// BundleManager owns the bundle groups of the current negotiation
// round. All operations must run on the manager's owner goroutine.
type BundleManager struct {
	sequence sequence.Checker
	groups   []*BundleGroup
}

// NewBundleManager creates an empty manager.
func NewBundleManager() *BundleManager {
	return &BundleManager{}
}

// Update replaces the stored group list with deep copies of the
// bundle-kind groups found in groups, in order. Groups of other kinds
// are ignored — the grouping source may carry kinds this engine does
// not consume. All previously stored groups, including any DeleteMid
// and DeleteGroup edits applied since the last Update, are discarded.
func (m *BundleManager) Update(groups []*BundleGroup) {
	m.sequence.Check()
	m.groups = m.groups[:0]
	for _, group := range groups {
		if group.Kind() != GroupKindBundle {
			continue
		}
		m.groups = append(m.groups, group.clone())
	}
}

// Groups returns the stored group handles in order. The slice is a
// copy; the handles are the manager's own and stay valid until the
// next Update.
func (m *BundleManager) Groups() []*BundleGroup {
	m.sequence.Check()
	return slices.Clone(m.groups)
}

// GroupForMid returns the first stored group containing mid, or nil
// when no group does.
func (m *BundleManager) GroupForMid(mid string) *BundleGroup {
	m.sequence.Check()
	for _, group := range m.groups {
		if group.HasMid(mid) {
			return group
		}
	}
	return nil
}

// DeleteMid removes mid from the identified group, leaving other
// groups untouched. The group handle is matched by identity against
// the stored list; passing a handle that is not currently stored is a
// caller bug (a stale handle from a previous round) and panics.
func (m *BundleManager) DeleteMid(group *BundleGroup, mid string) {
	m.sequence.Check()
	position := m.indexOf(group)
	if position < 0 {
		panic("negotiation: DeleteMid called with a group handle not in the manager")
	}
	m.groups[position].RemoveMid(mid)
}

// DeleteGroup removes the identified group entirely. Same identity
// precondition as DeleteMid.
func (m *BundleManager) DeleteGroup(group *BundleGroup) {
	m.sequence.Check()
	position := m.indexOf(group)
	if position < 0 {
		panic("negotiation: DeleteGroup called with a group handle not in the manager")
	}
	m.groups = slices.Delete(m.groups, position, position+1)
}

// indexOf locates group by identity, -1 when absent.
func (m *BundleManager) indexOf(group *BundleGroup) int {
	for position, stored := range m.groups {
		if stored == group {
			return position
		}
	}
	return -1
}
