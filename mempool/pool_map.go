// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/celldag/celld/types"
)

// ConflictReason records why a pooled transaction was removed during
// conflict resolution.
type ConflictReason uint8

const (
	// ConflictDoubleSpend marks a transaction whose own input is spent
	// by the conflicting transaction.
	ConflictDoubleSpend ConflictReason = iota

	// ConflictDependencyInvalidated marks a transaction removed because
	// a cell it depended on, or an ancestor it descended from, no longer
	// exists in the pool view.
	ConflictDependencyInvalidated

	// ConflictHeaderInvalidated marks a transaction removed because a
	// header it depended on left the main chain.
	ConflictHeaderInvalidated
)

// String returns the reason as a log label.
func (r ConflictReason) String() string {
	switch r {
	case ConflictDoubleSpend:
		return "double-spend"
	case ConflictDependencyInvalidated:
		return "dependency-invalidated"
	case ConflictHeaderInvalidated:
		return "header-invalidated"
	}
	return "unknown"
}

// ConflictEntry pairs a removed entry with its removal reason, for the
// orchestrator to report as rejected.
type ConflictEntry struct {
	Entry  *TxEntry
	Reason ConflictReason
}

// poolLinks tracks the pool-resident parents and children of one entry.
type poolLinks struct {
	parents  map[types.ProposalShortID]struct{}
	children map[types.ProposalShortID]struct{}
}

// PoolMap is the owning container of pool entries: a primary table keyed by
// short id plus the secondary indices needed for conflict detection and
// dependency tracking, and the Pending/Gap/Proposed partitions.
//
// PoolMap performs no locking; the pool orchestrator is its single owner and
// serializes every mutation. Every mutation goes through one method per
// operation so no secondary index can ever be updated without the primary.
type PoolMap struct {
	// entries is the primary, owning index.
	entries map[types.ProposalShortID]*TxEntry

	// links mirrors entries with the parent/child adjacency used for
	// ancestor and descendant computation.
	links map[types.ProposalShortID]*poolLinks

	// inputs maps a consumed out-point to the single pooled spender. The
	// pool never holds two transactions spending the same cell.
	inputs map[types.OutPoint]types.ProposalShortID

	// deps maps a referenced (not consumed) out-point to every pooled
	// transaction declaring it as a cell dependency.
	deps map[types.OutPoint]map[types.ProposalShortID]struct{}

	// headerDeps maps a header hash to every pooled transaction
	// declaring it as a header dependency.
	headerDeps map[chainhash.Hash]map[types.ProposalShortID]struct{}

	// statuses holds the per-partition membership sets.
	statuses [3]map[types.ProposalShortID]struct{}

	// nextSeq stamps admission order onto entries for oldest-first
	// proposal service.
	nextSeq uint64

	// totalSize and totalCycles track aggregate resource usage for the
	// eviction ceiling.
	totalSize   uint64
	totalCycles uint64
}

// NewPoolMap returns an empty pool map.
func NewPoolMap() *PoolMap {
	pm := &PoolMap{
		entries:    make(map[types.ProposalShortID]*TxEntry),
		links:      make(map[types.ProposalShortID]*poolLinks),
		inputs:     make(map[types.OutPoint]types.ProposalShortID),
		deps:       make(map[types.OutPoint]map[types.ProposalShortID]struct{}),
		headerDeps: make(map[chainhash.Hash]map[types.ProposalShortID]struct{}),
	}
	for i := range pm.statuses {
		pm.statuses[i] = make(map[types.ProposalShortID]struct{})
	}
	return pm
}

// Size returns the number of resident entries.
func (pm *PoolMap) Size() int {
	return len(pm.entries)
}

// SizeOf returns the number of entries in one partition.
func (pm *PoolMap) SizeOf(status Status) int {
	return len(pm.statuses[status])
}

// TotalSize returns the aggregate serialized size of all entries.
func (pm *PoolMap) TotalSize() uint64 {
	return pm.totalSize
}

// TotalCycles returns the aggregate verification cycles of all entries.
func (pm *PoolMap) TotalCycles() uint64 {
	return pm.totalCycles
}

// Get returns the entry for id, if resident.
func (pm *PoolMap) Get(id types.ProposalShortID) (*TxEntry, bool) {
	entry, ok := pm.entries[id]
	return entry, ok
}

// GetTx returns the transaction for id, if resident.
func (pm *PoolMap) GetTx(id types.ProposalShortID) (*types.Transaction, bool) {
	entry, ok := pm.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Tx, true
}

// ContainsKey reports whether id is resident.
func (pm *PoolMap) ContainsKey(id types.ProposalShortID) bool {
	_, ok := pm.entries[id]
	return ok
}

// SpentBy returns the pooled spender of an out-point, if any.
func (pm *PoolMap) SpentBy(op types.OutPoint) (types.ProposalShortID, bool) {
	id, ok := pm.inputs[op]
	return id, ok
}

// AddEntry inserts entry into the given partition, indexes it by every
// consumed input, cell dependency and header dependency, links it to its
// pool-resident relatives and rebalances the aggregate package statistics in
// both directions. It returns false without mutating anything if the short
// id is already resident.
//
// The caller must have resolved spend conflicts beforehand; finding the
// entry's input already owned by a different resident transaction is an
// index-consistency defect and panics.
func (pm *PoolMap) AddEntry(entry *TxEntry, status Status) bool {
	id := entry.ID()
	if _, exists := pm.entries[id]; exists {
		return false
	}

	pm.entries[id] = entry
	entry.status = status
	entry.seq = pm.nextSeq
	pm.nextSeq++
	pm.statuses[status][id] = struct{}{}
	pm.totalSize += entry.Size
	pm.totalCycles += entry.Cycles

	links := &poolLinks{
		parents:  make(map[types.ProposalShortID]struct{}),
		children: make(map[types.ProposalShortID]struct{}),
	}
	pm.links[id] = links

	// Index consumed inputs and collect in-pool parents.
	for _, in := range entry.Tx.Inputs {
		op := in.PreviousOutput
		if owner, taken := pm.inputs[op]; taken && owner != id {
			panic(fmt.Sprintf("mempool: out-point %s already "+
				"spent by %s while adding %s", op, owner, id))
		}
		pm.inputs[op] = id

		parentID := types.ShortIDFromHash(op.TxHash)
		if _, inPool := pm.entries[parentID]; inPool {
			links.parents[parentID] = struct{}{}
		}
	}

	// Index cell dependencies; a dep on a pooled transaction's output is
	// a parent relationship too.
	for _, dep := range entry.Tx.CellDeps {
		op := dep.OutPoint
		set, ok := pm.deps[op]
		if !ok {
			set = make(map[types.ProposalShortID]struct{})
			pm.deps[op] = set
		}
		set[id] = struct{}{}

		parentID := types.ShortIDFromHash(op.TxHash)
		if _, inPool := pm.entries[parentID]; inPool {
			links.parents[parentID] = struct{}{}
		}
	}

	// Index header dependencies.
	for _, hash := range entry.Tx.HeaderDeps {
		set, ok := pm.headerDeps[hash]
		if !ok {
			set = make(map[types.ProposalShortID]struct{})
			pm.headerDeps[hash] = set
		}
		set[id] = struct{}{}
	}

	// Link children: resident transactions already spending or depending
	// on this entry's outputs. Admission rejects unresolved inputs, so
	// this only fires during reorg re-insertion.
	txHash := entry.Tx.Hash()
	for i := range entry.Tx.Outputs {
		op := types.OutPoint{TxHash: txHash, Index: uint32(i)}
		if childID, ok := pm.inputs[op]; ok {
			links.children[childID] = struct{}{}
		}
		for childID := range pm.deps[op] {
			links.children[childID] = struct{}{}
		}
	}

	// Wire the reverse edges.
	for parentID := range links.parents {
		pm.mustLinks(parentID).children[id] = struct{}{}
	}
	for childID := range links.children {
		pm.mustLinks(childID).parents[id] = struct{}{}
	}

	// Rebalance aggregate statistics against both closures. A new entry
	// with relatives on only one side cannot connect existing entries to
	// each other, so the O(1) own-contribution updates are exact. An
	// entry bridging resident ancestors to resident descendants (reorg
	// re-admission between surviving relatives) changes closures beyond
	// its own contribution; the affected neighborhood is recomputed.
	ancestors := pm.CalcAncestors(id)
	descendants := pm.CalcDescendants(id)
	if len(ancestors) > 0 && len(descendants) > 0 {
		pm.recomputeStats(id)
		for relID := range ancestors {
			pm.recomputeStats(relID)
		}
		for relID := range descendants {
			pm.recomputeStats(relID)
		}
		return true
	}

	for ancID := range ancestors {
		anc := pm.mustGet(ancID)
		entry.AddAncestorWeight(anc)
		anc.AddDescendantWeight(entry)
	}
	for descID := range descendants {
		desc := pm.mustGet(descID)
		entry.AddDescendantWeight(desc)
		desc.AddAncestorWeight(entry)
	}

	return true
}

// recomputeStats rebuilds both aggregate directions of one entry from its
// current closures.
func (pm *PoolMap) recomputeStats(id types.ProposalShortID) {
	e := pm.mustGet(id)

	e.AncestorsSize = e.Size
	e.AncestorsFee = e.Fee
	e.AncestorsCycles = e.Cycles
	e.AncestorsCount = 1
	for ancID := range pm.CalcAncestors(id) {
		e.AddAncestorWeight(pm.mustGet(ancID))
	}

	e.DescendantsSize = e.Size
	e.DescendantsFee = e.Fee
	e.DescendantsCycles = e.Cycles
	e.DescendantsCount = 1
	for descID := range pm.CalcDescendants(id) {
		e.AddDescendantWeight(pm.mustGet(descID))
	}
}

// RemoveEntry removes a single entry without cascading to descendants: the
// form of removal used when a transaction is committed on-chain, where its
// pooled descendants stay valid and merely stop counting the departed
// ancestor. Returns nil if id is not resident.
func (pm *PoolMap) RemoveEntry(id types.ProposalShortID) *TxEntry {
	entry, ok := pm.entries[id]
	if !ok {
		return nil
	}

	// Rebalance aggregates before the links are severed.
	for ancID := range pm.CalcAncestors(id) {
		anc := pm.mustGet(ancID)
		anc.SubDescendantWeight(entry)
	}
	for descID := range pm.CalcDescendants(id) {
		desc := pm.mustGet(descID)
		desc.SubAncestorWeight(entry)
	}

	links := pm.mustLinks(id)
	for parentID := range links.parents {
		delete(pm.mustLinks(parentID).children, id)
	}
	for childID := range links.children {
		delete(pm.mustLinks(childID).parents, id)
	}

	for _, in := range entry.Tx.Inputs {
		delete(pm.inputs, in.PreviousOutput)
	}
	for _, dep := range entry.Tx.CellDeps {
		op := dep.OutPoint
		if set, ok := pm.deps[op]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(pm.deps, op)
			}
		}
	}
	for _, hash := range entry.Tx.HeaderDeps {
		if set, ok := pm.headerDeps[hash]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(pm.headerDeps, hash)
			}
		}
	}

	delete(pm.statuses[entry.status], id)
	delete(pm.links, id)
	delete(pm.entries, id)
	pm.totalSize -= entry.Size
	pm.totalCycles -= entry.Cycles

	return entry
}

// RemoveEntryAndDescendants removes id and, recursively, every pool-resident
// descendant. The removed entries are returned parent-first. This is the
// removal form for conflicts and eviction: a removed transaction's outputs
// can have no valid consumer left.
func (pm *PoolMap) RemoveEntryAndDescendants(
	id types.ProposalShortID) []*TxEntry {

	if _, ok := pm.entries[id]; !ok {
		return nil
	}

	victims := []types.ProposalShortID{id}
	for descID := range pm.CalcDescendants(id) {
		victims = append(victims, descID)
	}

	// Children first, so every SubAncestorWeight during removal still
	// sees live relatives; the returned slice is parent-first. Admission
	// order cannot serve here: commit-then-reorg re-admission gives a
	// parent a newer sequence number than its resident child. The
	// descendant closure size orders every entry after all of its
	// descendants regardless, with sequence breaking ties between
	// unrelated victims.
	descCounts := make(map[types.ProposalShortID]int, len(victims))
	for _, victim := range victims {
		descCounts[victim] = len(pm.CalcDescendants(victim))
	}
	sort.Slice(victims, func(i, j int) bool {
		if descCounts[victims[i]] != descCounts[victims[j]] {
			return descCounts[victims[i]] < descCounts[victims[j]]
		}
		return pm.mustGet(victims[i]).seq > pm.mustGet(victims[j]).seq
	})

	removed := make([]*TxEntry, 0, len(victims))
	for _, victim := range victims {
		removed = append(removed, pm.RemoveEntry(victim))
	}
	for i, j := 0, len(removed)-1; i < j; i, j = i+1, j-1 {
		removed[i], removed[j] = removed[j], removed[i]
	}
	return removed
}

// RemoveEntriesByFilter removes every entry the predicate selects, together
// with each one's descendants, and returns the removed entries.
func (pm *PoolMap) RemoveEntriesByFilter(
	pred func(id types.ProposalShortID, entry *TxEntry) bool) []*TxEntry {

	var selected []types.ProposalShortID
	for id, entry := range pm.entries {
		if pred(id, entry) {
			selected = append(selected, id)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		return pm.mustGet(selected[i]).seq < pm.mustGet(selected[j]).seq
	})

	var removed []*TxEntry
	for _, id := range selected {
		if !pm.ContainsKey(id) {
			continue
		}
		removed = append(removed, pm.RemoveEntryAndDescendants(id)...)
	}
	return removed
}

// ResolveConflict removes every pooled transaction invalidated by tx: the
// owner of any input tx consumes (a direct double-spend) and any pooled
// transaction declaring one of those out-points as a cell dependency, in
// both cases together with all descendants. The removed entries are
// returned with their reasons for the orchestrator to report.
func (pm *PoolMap) ResolveConflict(tx *types.Transaction) []ConflictEntry {
	var conflicts []ConflictEntry

	for _, in := range tx.Inputs {
		op := in.PreviousOutput

		if ownerID, ok := pm.inputs[op]; ok {
			// Skip tx itself when it is resident; commit-time
			// resolution removes it separately.
			if ownerID != types.ShortIDFromHash(tx.Hash()) {
				removed := pm.RemoveEntryAndDescendants(ownerID)
				for _, entry := range removed {
					reason := ConflictDependencyInvalidated
					if entry.ID() == ownerID {
						reason = ConflictDoubleSpend
					}
					conflicts = append(conflicts,
						ConflictEntry{entry, reason})
				}
			}
		}

		// Dependents on the consumed cell: the cell is gone once tx
		// commits, so they can never be valid again.
		for depID := range pm.deps[op] {
			if !pm.ContainsKey(depID) {
				continue
			}
			for _, entry := range pm.RemoveEntryAndDescendants(depID) {
				conflicts = append(conflicts, ConflictEntry{
					entry, ConflictDependencyInvalidated,
				})
			}
		}
	}

	return conflicts
}

// ResolveConflictHeaderDep removes every pooled transaction depending on one
// of the invalidated headers, cascading through descendants.
func (pm *PoolMap) ResolveConflictHeaderDep(
	invalidated map[chainhash.Hash]struct{}) []ConflictEntry {

	var conflicts []ConflictEntry
	for hash := range invalidated {
		for depID := range pm.headerDeps[hash] {
			if !pm.ContainsKey(depID) {
				continue
			}
			for _, entry := range pm.RemoveEntryAndDescendants(depID) {
				conflicts = append(conflicts, ConflictEntry{
					entry, ConflictHeaderInvalidated,
				})
			}
		}
	}
	return conflicts
}

// SetStatus moves an entry between partitions, recording the proposal
// height on the Pending→Gap transition and clearing it on reversion to
// Pending.
func (pm *PoolMap) SetStatus(id types.ProposalShortID, status Status,
	proposedNumber uint64) {

	entry := pm.mustGet(id)
	delete(pm.statuses[entry.status], id)
	entry.status = status
	pm.statuses[status][id] = struct{}{}

	switch status {
	case StatusPending:
		entry.proposedNumber = 0
	case StatusGap:
		entry.proposedNumber = proposedNumber
	}
}

// FillProposals appends up to limit Pending short ids not already in
// exclusion to out, oldest first, and returns the extended slice.
func (pm *PoolMap) FillProposals(limit uint64,
	exclusion map[types.ProposalShortID]struct{},
	out []types.ProposalShortID) []types.ProposalShortID {

	pending := make([]*TxEntry, 0, len(pm.statuses[StatusPending]))
	for id := range pm.statuses[StatusPending] {
		pending = append(pending, pm.mustGet(id))
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].seq < pending[j].seq
	})

	taken := uint64(0)
	for _, entry := range pending {
		if taken >= limit {
			break
		}
		id := entry.ID()
		if _, skip := exclusion[id]; skip {
			continue
		}
		out = append(out, id)
		taken++
	}
	return out
}

// CalcAncestors returns the transitive pool-resident ancestor closure of id.
func (pm *PoolMap) CalcAncestors(
	id types.ProposalShortID) map[types.ProposalShortID]struct{} {

	return pm.closure(id, func(l *poolLinks) map[types.ProposalShortID]struct{} {
		return l.parents
	})
}

// CalcDescendants returns the transitive pool-resident descendant closure of
// id.
func (pm *PoolMap) CalcDescendants(
	id types.ProposalShortID) map[types.ProposalShortID]struct{} {

	return pm.closure(id, func(l *poolLinks) map[types.ProposalShortID]struct{} {
		return l.children
	})
}

// closure walks the link relation from id in one direction, excluding id
// itself.
func (pm *PoolMap) closure(id types.ProposalShortID,
	next func(*poolLinks) map[types.ProposalShortID]struct{},
) map[types.ProposalShortID]struct{} {

	result := make(map[types.ProposalShortID]struct{})
	links, ok := pm.links[id]
	if !ok {
		return result
	}

	queue := make([]types.ProposalShortID, 0, len(next(links)))
	for rel := range next(links) {
		queue = append(queue, rel)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := result[cur]; seen {
			continue
		}
		result[cur] = struct{}{}
		for rel := range next(pm.mustLinks(cur)) {
			if _, seen := result[rel]; !seen {
				queue = append(queue, rel)
			}
		}
	}
	return result
}

// EntriesIn returns the entries of one partition as a slice in admission
// order.
func (pm *PoolMap) EntriesIn(status Status) []*TxEntry {
	entries := make([]*TxEntry, 0, len(pm.statuses[status]))
	for id := range pm.statuses[status] {
		entries = append(entries, pm.mustGet(id))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}

// mustGet returns the entry for id, panicking on a dangling index: an index
// pointing at a missing entry is a defect, never a recoverable condition.
func (pm *PoolMap) mustGet(id types.ProposalShortID) *TxEntry {
	entry, ok := pm.entries[id]
	if !ok {
		panic(fmt.Sprintf("mempool: index references missing entry %s",
			id))
	}
	return entry
}

// mustLinks is mustGet for the adjacency table.
func (pm *PoolMap) mustLinks(id types.ProposalShortID) *poolLinks {
	links, ok := pm.links[id]
	if !ok {
		panic(fmt.Sprintf("mempool: links missing for entry %s", id))
	}
	return links
}
