// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"bytes"
	"sort"

	"github.com/celldag/celld/mempool"
	"github.com/celldag/celld/types"
)

// maxConsecutiveFailed bounds how many candidates in a row may fail the
// remaining budget before the scan gives up. Without the bound a nearly full
// template would keep walking a long tail of oversized packages for no gain;
// with it, small late fits are still found.
const maxConsecutiveFailed = 500

// modifiedEntry is a working copy of a proposed entry whose ancestor
// statistics have been reduced by already-selected ancestors. The overlay
// keeps one live copy per id; heap items holding an older copy are detected
// by pointer identity and skipped.
type modifiedEntry struct {
	entry *mempool.TxEntry
	key   mempool.AncestorsScoreSortKey
}

// CommitTxsScanner selects committed transactions for one block template
// from a snapshot of the Proposed partition. Selection is greedy by
// ancestor-package score with atomic package inclusion: an entry never
// enters the template before its in-snapshot ancestors, and choosing a
// child pulls its whole unselected ancestor chain in with it.
//
// The scanner owns its snapshot and mutates the copies freely. It is
// single-use: construct, call Scan once, discard.
type CommitTxsScanner struct {
	entries map[types.ProposalShortID]*mempool.TxEntry

	// parents and children describe the dependency relation restricted
	// to the snapshot.
	parents  map[types.ProposalShortID]map[types.ProposalShortID]struct{}
	children map[types.ProposalShortID]map[types.ProposalShortID]struct{}

	// sorted is the primary iteration order: descending original score.
	sorted []*mempool.TxEntry
	next   int

	// modified overlays the primary order with rescored copies of
	// entries whose ancestors were selected.
	modified      *priorityQueue[*modifiedEntry]
	modifiedIndex map[types.ProposalShortID]*modifiedEntry

	// selected marks ids already committed to the template. skipped marks
	// ids whose package failed the remaining budget; a skipped id is
	// reconsidered only if a later selection shrinks its package and
	// reinstalls it in the overlay.
	selected map[types.ProposalShortID]struct{}
	skipped  map[types.ProposalShortID]struct{}
}

// NewCommitTxsScanner builds a scanner over a snapshot of proposed entries.
// The entries must be private copies; the scanner rewrites their aggregate
// statistics during the scan.
func NewCommitTxsScanner(proposed []*mempool.TxEntry) *CommitTxsScanner {
	s := &CommitTxsScanner{
		entries: make(map[types.ProposalShortID]*mempool.TxEntry,
			len(proposed)),
		parents: make(map[types.ProposalShortID]map[types.ProposalShortID]struct{}),
		children: make(map[types.ProposalShortID]map[types.ProposalShortID]struct{}),
		sorted:   make([]*mempool.TxEntry, 0, len(proposed)),
		modified: newPriorityQueue(func(a, b *modifiedEntry) bool {
			return b.key.Less(&a.key)
		}),
		modifiedIndex: make(map[types.ProposalShortID]*modifiedEntry),
		selected:      make(map[types.ProposalShortID]struct{}),
		skipped:       make(map[types.ProposalShortID]struct{}),
	}

	for _, entry := range proposed {
		id := entry.ID()
		if _, ok := s.entries[id]; ok {
			continue
		}
		s.entries[id] = entry
		s.sorted = append(s.sorted, entry)
	}

	// Wire the dependency relation. Inputs and dep cells produced by
	// another snapshot member both order the producer first.
	for id, entry := range s.entries {
		link := func(producer types.ProposalShortID) {
			if producer == id {
				return
			}
			if _, ok := s.entries[producer]; !ok {
				return
			}
			if s.parents[id] == nil {
				s.parents[id] = make(
					map[types.ProposalShortID]struct{})
			}
			if s.children[producer] == nil {
				s.children[producer] = make(
					map[types.ProposalShortID]struct{})
			}
			s.parents[id][producer] = struct{}{}
			s.children[producer][id] = struct{}{}
		}
		for _, in := range entry.Tx.Inputs {
			link(types.ShortIDFromHash(in.PreviousOutput.TxHash))
		}
		for _, dep := range entry.Tx.CellDeps {
			link(types.ShortIDFromHash(dep.OutPoint.TxHash))
		}
	}

	sort.Slice(s.sorted, func(i, j int) bool {
		ki, kj := s.sorted[i].ScoreKey(), s.sorted[j].ScoreKey()
		return kj.Less(&ki)
	})

	return s
}

// Scan greedily fills the byte and cycle budgets and returns the selected
// entries in a commitment-valid order along with the cumulative size and
// cycles consumed. The result is deterministic for a given snapshot.
func (s *CommitTxsScanner) Scan(maxSize,
	maxCycles uint64) ([]*mempool.TxEntry, uint64, uint64) {

	var (
		result     []*mempool.TxEntry
		totalSize  uint64
		totalCyc   uint64
		consFailed int
	)

	for {
		candidate := s.nextCandidate()
		if candidate == nil {
			break
		}

		pkg := s.packageOf(candidate)

		var pkgSize, pkgCycles uint64
		for _, member := range pkg {
			pkgSize += member.Size
			pkgCycles += member.Cycles
		}

		if totalSize+pkgSize > maxSize ||
			totalCyc+pkgCycles > maxCycles {

			s.skipped[candidate.ID()] = struct{}{}
			consFailed++
			if consFailed >= maxConsecutiveFailed {
				break
			}
			continue
		}
		consFailed = 0

		for _, member := range pkg {
			s.selected[member.ID()] = struct{}{}
			result = append(result, member)
		}
		totalSize += pkgSize
		totalCyc += pkgCycles

		for _, member := range pkg {
			s.rescoreDescendants(member)
		}
	}

	return result, totalSize, totalCyc
}

// nextCandidate returns the best live entry across the primary order and
// the rescored overlay, consuming it, or nil when both are exhausted.
func (s *CommitTxsScanner) nextCandidate() *mempool.TxEntry {
	primary := s.peekPrimary()
	overlay := s.peekOverlay()

	switch {
	case primary == nil && overlay == nil:
		return nil

	case primary == nil:
		s.modified.pop()
		return overlay.entry

	case overlay == nil:
		s.next++
		return primary

	default:
		pk := primary.ScoreKey()
		if pk.Less(&overlay.key) {
			s.modified.pop()
			return overlay.entry
		}
		s.next++
		return primary
	}
}

// peekPrimary advances past dead entries and returns the next primary
// candidate without consuming it. Superseded ids are represented by their
// overlay copy instead.
func (s *CommitTxsScanner) peekPrimary() *mempool.TxEntry {
	for s.next < len(s.sorted) {
		entry := s.sorted[s.next]
		id := entry.ID()
		if !s.dead(id) {
			if _, superseded := s.modifiedIndex[id]; !superseded {
				return entry
			}
		}
		s.next++
	}
	return nil
}

// peekOverlay drops stale or dead heap items and returns the current best
// rescored entry without consuming it.
func (s *CommitTxsScanner) peekOverlay() *modifiedEntry {
	for s.modified.len() > 0 {
		top, _ := s.modified.peek()
		id := top.entry.ID()
		if s.modifiedIndex[id] != top {
			s.modified.pop()
			continue
		}
		if s.dead(id) {
			s.modified.pop()
			continue
		}
		return top
	}
	return nil
}

// dead reports whether an id is out of the running: already in the
// template, or budget-failed with no fresh rescore since.
func (s *CommitTxsScanner) dead(id types.ProposalShortID) bool {
	if _, done := s.selected[id]; done {
		return true
	}
	_, skip := s.skipped[id]
	return skip
}

// packageOf returns the candidate together with its unselected in-snapshot
// ancestors, ordered so every member precedes its dependents: ascending
// ancestor count, ties broken on id bytes.
func (s *CommitTxsScanner) packageOf(
	candidate *mempool.TxEntry) []*mempool.TxEntry {

	id := candidate.ID()
	ancestors := s.unselectedAncestors(id)
	pkg := make([]*mempool.TxEntry, 0, len(ancestors)+1)
	for ancestor := range ancestors {
		pkg = append(pkg, s.viewOf(ancestor))
	}

	sort.Slice(pkg, func(i, j int) bool {
		if pkg[i].AncestorsCount != pkg[j].AncestorsCount {
			return pkg[i].AncestorsCount < pkg[j].AncestorsCount
		}
		idI, idJ := pkg[i].ID(), pkg[j].ID()
		return bytes.Compare(idI[:], idJ[:]) < 0
	})

	return append(pkg, candidate)
}

// unselectedAncestors walks the parent relation from id and returns every
// transitive ancestor not yet selected.
func (s *CommitTxsScanner) unselectedAncestors(
	id types.ProposalShortID) map[types.ProposalShortID]struct{} {

	found := make(map[types.ProposalShortID]struct{})
	var pending queue[types.ProposalShortID]
	pending.enqueue(id)

	for {
		current, ok := pending.dequeue()
		if !ok {
			break
		}
		for parent := range s.parents[current] {
			if _, done := s.selected[parent]; done {
				continue
			}
			if _, seen := found[parent]; seen {
				continue
			}
			found[parent] = struct{}{}
			pending.enqueue(parent)
		}
	}
	return found
}

// viewOf returns the current working copy of an entry: the rescored overlay
// copy when one exists, the snapshot entry otherwise.
func (s *CommitTxsScanner) viewOf(
	id types.ProposalShortID) *mempool.TxEntry {

	if me, ok := s.modifiedIndex[id]; ok {
		return me.entry
	}
	return s.entries[id]
}

// rescoreDescendants installs or refreshes overlay copies for every
// unselected descendant of a newly selected member, subtracting the
// member's own contribution from their ancestor statistics so their scores
// reflect only what is still outstanding.
func (s *CommitTxsScanner) rescoreDescendants(member *mempool.TxEntry) {
	memberID := member.ID()

	visited := make(map[types.ProposalShortID]struct{})
	var pending queue[types.ProposalShortID]
	pending.enqueue(memberID)

	for {
		current, ok := pending.dequeue()
		if !ok {
			break
		}
		for child := range s.children[current] {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			pending.enqueue(child)

			if _, done := s.selected[child]; done {
				continue
			}

			view := s.viewOf(child)
			if view == s.entries[child] {
				clone := *view
				view = &clone
			}
			view.SubAncestorWeight(member)

			me := &modifiedEntry{
				entry: view,
				key:   view.ScoreKey(),
			}
			s.modifiedIndex[child] = me
			s.modified.push(me)

			// A shrunken package earns a fresh budget attempt.
			delete(s.skipped, child)
		}
	}
}
