// Package treediff computes the structural operations that turn one
// flattened view tree into another.
//
// The engine is Heckel's symbol-table diff ("A technique for isolating
// differences between files", CACM 1978) keyed by node identity instead of
// line hashes. Identity is the only matching key: a node that appears on
// both sides is the same logical node, and it is then checked for moves
// (position relative to its neighbours) and content changes.
//
// Diff runs in time linear in len(old)+len(new). It never fails: anything
// that cannot be matched is reported as an Add or a Remove.
package treediff

import (
	"github.com/hazyhaar/viewreplay/viewtree"
)

// Op is the kind of a structural operation.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpRemove
	OpUpdate
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpUpdate:
		return "update"
	}
	return "unknown"
}

// Operation is one step of the edit script.
//
//   - OpAdd: insert Node under ParentID before InsertBeforeID (NoID = append).
//   - OpRemove: detach ID from ParentID.
//   - OpUpdate: Old and New share identity and kind; attributes differ.
type Operation struct {
	Op             Op
	ParentID       viewtree.Identity
	ID             viewtree.Identity
	InsertBeforeID viewtree.Identity
	Node           viewtree.Node
	Old, New       viewtree.Node
}

// entry is one symbol-table row. Every identity seen on either side owns
// exactly one entry in the arena.
type entry struct {
	inNew    bool
	oldIndex int // valid when hasOld
	hasOld   bool
}

// slot is one position of oldEntries/newEntries: either a reference to a
// symbol-table entry (unresolved) or an index into the other sequence.
type slot struct {
	ref      int
	resolved bool
}

func symbolRef(e int) slot { return slot{ref: e} }
func indexRef(i int) slot  { return slot{ref: i, resolved: true} }

// Stats counts the work done by one Diff call.
type Stats struct {
	Entries     int // symbol-table entries created
	SlotVisits  int // slot reads across all passes
	Adds        int
	Removes     int
	Updates     int
	Moves       int
	KindChanges int // matched in place with differing kinds (no operation)
}

// Diff returns the operations transforming old into new. Both inputs are
// pre-order flattenings of a snapshot (viewtree.Snapshot.Nodes).
//
// Precondition: identities are unique within each slice. Duplicates do not
// panic, but the symbol table keeps the last occurrence and the result is
// unspecified.
func Diff(old, new []viewtree.Node) []Operation {
	ops, _ := DiffWithStats(old, new)
	return ops
}

// DiffWithStats is Diff plus work counters.
func DiffWithStats(old, new []viewtree.Node) ([]Operation, Stats) {
	var st Stats

	entries := make([]entry, 0, len(old)+len(new))
	table := make(map[viewtree.Identity]int, len(old)+len(new))
	newEntries := make([]slot, len(new))
	oldEntries := make([]slot, len(old))

	// Pass 1: every new element gets a fresh entry flagged as present in new.
	for i, n := range new {
		e := len(entries)
		entries = append(entries, entry{inNew: true})
		table[n.Common().ID] = e
		newEntries[i] = symbolRef(e)
	}

	// Pass 2: old elements join an existing entry or create an old-only one.
	for j, n := range old {
		id := n.Common().ID
		e, ok := table[id]
		if !ok {
			e = len(entries)
			entries = append(entries, entry{})
			table[id] = e
		}
		entries[e].oldIndex = j
		entries[e].hasOld = true
		oldEntries[j] = symbolRef(e)
	}
	st.Entries = len(entries)

	// Pass 3: identities present on both sides are matched.
	for i, s := range newEntries {
		st.SlotVisits++
		if s.resolved {
			continue
		}
		e := entries[s.ref]
		if e.inNew && e.hasOld {
			newEntries[i] = indexRef(e.oldIndex)
			oldEntries[e.oldIndex] = indexRef(i)
		}
	}

	// Pass 4: extend matched runs forward through identical neighbours.
	for i := 0; i < len(newEntries)-1; i++ {
		st.SlotVisits++
		s := newEntries[i]
		if !s.resolved {
			continue
		}
		j := s.ref + 1
		if j >= len(oldEntries) {
			continue
		}
		n, o := newEntries[i+1], oldEntries[j]
		if !n.resolved && !o.resolved && n.ref == o.ref {
			newEntries[i+1] = indexRef(j)
			oldEntries[j] = indexRef(i + 1)
		}
	}

	// Pass 5: extend matched runs backward.
	for i := len(newEntries) - 1; i > 0; i-- {
		st.SlotVisits++
		s := newEntries[i]
		if !s.resolved {
			continue
		}
		j := s.ref - 1
		if j < 0 {
			continue
		}
		n, o := newEntries[i-1], oldEntries[j]
		if !n.resolved && !o.resolved && n.ref == o.ref {
			newEntries[i-1] = indexRef(j)
			oldEntries[j] = indexRef(i - 1)
		}
	}

	var ops []Operation

	// Removals, recording how many removals precede each old position.
	deleteOffsets := make([]int, len(old))
	deleted := 0
	for j, s := range oldEntries {
		st.SlotVisits++
		deleteOffsets[j] = deleted
		if !s.resolved {
			b := old[j].Common()
			ops = append(ops, Operation{Op: OpRemove, ParentID: b.ParentID, ID: b.ID})
			deleted++
			st.Removes++
		}
	}

	// Additions, moves and updates. inserted counts every Add emitted so far,
	// including the re-add half of a move. readded holds every identity
	// added in this script: a matched node under a re-added parent is
	// re-added too, since removing the parent detached its subtree.
	inserted := 0
	readded := make(map[viewtree.Identity]struct{})
	for i, s := range newEntries {
		st.SlotVisits++
		n := new[i]
		nb := n.Common()

		if !s.resolved {
			ops = append(ops, addOp(n))
			readded[nb.ID] = struct{}{}
			inserted++
			st.Adds++
			continue
		}

		j := s.ref
		o := old[j]
		ob := o.Common()
		expected := j - deleteOffsets[j] + inserted
		_, parentReadded := readded[nb.ParentID]
		if expected != i || ob.ParentID != nb.ParentID || parentReadded {
			ops = append(ops,
				Operation{Op: OpRemove, ParentID: ob.ParentID, ID: nb.ID},
				addOp(n),
			)
			readded[nb.ID] = struct{}{}
			inserted++
			st.Moves++
			continue
		}

		if o.Kind() != n.Kind() {
			// Same identity, different kind: currently left alone.
			st.KindChanges++
			continue
		}
		if viewtree.ContentHash(o) != viewtree.ContentHash(n) {
			ops = append(ops, Operation{Op: OpUpdate, ID: nb.ID, ParentID: nb.ParentID, Old: o, New: n})
			st.Updates++
		}
	}

	return ops, st
}

func addOp(n viewtree.Node) Operation {
	b := n.Common()
	return Operation{
		Op:             OpAdd,
		ParentID:       b.ParentID,
		ID:             b.ID,
		InsertBeforeID: b.NextSiblingID,
		Node:           n,
	}
}

// Count tallies operations by kind.
func Count(ops []Operation) map[Op]int {
	out := make(map[Op]int, 3)
	for _, op := range ops {
		out[op.Op]++
	}
	return out
}
