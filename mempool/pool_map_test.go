// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/celldag/celld/types"
)

// seedHash builds a deterministic hash from a seed for fake chain cells.
func seedHash(seed uint64) chainhash.Hash {
	var h chainhash.Hash
	binary.LittleEndian.PutUint64(h[:8], seed)
	h[31] = 0xcc
	return h
}

// testTx builds a transaction spending the given out-points. The seed is
// folded into a witness so distinct seeds always yield distinct hashes. When
// no parents are given the transaction spends a fake chain cell derived from
// the seed.
func testTx(seed uint64, parents ...types.OutPoint) *types.Transaction {
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], seed)

	tx := &types.Transaction{
		Outputs: []types.CellOutput{
			{Capacity: 500}, {Capacity: 500},
		},
		OutputsData: [][]byte{nil, nil},
		Witnesses:   [][]byte{w[:]},
	}
	if len(parents) == 0 {
		parents = []types.OutPoint{{TxHash: seedHash(seed)}}
	}
	for _, op := range parents {
		tx.Inputs = append(tx.Inputs, types.CellInput{
			PreviousOutput: op,
		})
	}
	return tx
}

// testEntry wraps testTx into an entry with explicit pricing and a fixed
// timestamp so eviction ordering is deterministic.
func testEntry(tx *types.Transaction, fee, size, cycles uint64) *TxEntry {
	return NewTxEntryWithTime(tx, cycles, size, fee,
		time.Unix(1700000000, 0))
}

func TestPoolMapAddRemove(t *testing.T) {
	pm := NewPoolMap()

	tx := testTx(1)
	entry := testEntry(tx, 100, 200, 300)
	require.True(t, pm.AddEntry(entry, StatusPending))
	require.False(t, pm.AddEntry(entry, StatusPending))

	require.Equal(t, 1, pm.Size())
	require.Equal(t, uint64(200), pm.TotalSize())
	require.Equal(t, uint64(300), pm.TotalCycles())
	require.True(t, pm.ContainsKey(entry.ID()))

	spender, ok := pm.SpentBy(tx.Inputs[0].PreviousOutput)
	require.True(t, ok)
	require.Equal(t, entry.ID(), spender)

	removed := pm.RemoveEntry(entry.ID())
	require.Equal(t, entry, removed)
	require.Zero(t, pm.Size())
	require.Zero(t, pm.TotalSize())
	require.Zero(t, pm.TotalCycles())

	_, ok = pm.SpentBy(tx.Inputs[0].PreviousOutput)
	require.False(t, ok)
	require.Nil(t, pm.RemoveEntry(entry.ID()))
}

func TestPoolMapAncestorStats(t *testing.T) {
	pm := NewPoolMap()

	parentTx := testTx(1)
	parent := testEntry(parentTx, 100, 100, 100)
	require.True(t, pm.AddEntry(parent, StatusPending))

	childTx := testTx(2, parentTx.OutPointAt(0))
	child := testEntry(childTx, 200, 200, 200)
	require.True(t, pm.AddEntry(child, StatusPending))

	grandTx := testTx(3, childTx.OutPointAt(0))
	grand := testEntry(grandTx, 400, 400, 400)
	require.True(t, pm.AddEntry(grand, StatusPending))

	require.Equal(t, uint64(3), grand.AncestorsCount)
	require.Equal(t, uint64(700), grand.AncestorsFee)
	require.Equal(t, uint64(700), grand.AncestorsSize)

	require.Equal(t, uint64(3), parent.DescendantsCount)
	require.Equal(t, uint64(700), parent.DescendantsFee)

	require.Equal(t, uint64(2), child.AncestorsCount)
	require.Equal(t, uint64(2), child.DescendantsCount)
}

func TestPoolMapDepLinks(t *testing.T) {
	pm := NewPoolMap()

	parentTx := testTx(1)
	parent := testEntry(parentTx, 100, 100, 100)
	require.True(t, pm.AddEntry(parent, StatusPending))

	// A cell dep on a pooled output is a parent relationship, same as a
	// spend.
	depTx := testTx(2)
	depTx.CellDeps = []types.CellDep{
		{OutPoint: parentTx.OutPointAt(1)},
	}
	dep := testEntry(depTx, 200, 200, 200)
	require.True(t, pm.AddEntry(dep, StatusPending))

	require.Equal(t, uint64(2), dep.AncestorsCount)
	require.Equal(t, uint64(2), parent.DescendantsCount)
}

func TestPoolMapCascadeRemoval(t *testing.T) {
	pm := NewPoolMap()

	rootTx := testTx(1)
	root := testEntry(rootTx, 100, 100, 100)
	require.True(t, pm.AddEntry(root, StatusPending))

	// Build a chain of n descendants under the root.
	const n = 5
	prev := rootTx
	for i := uint64(0); i < n; i++ {
		tx := testTx(10+i, prev.OutPointAt(0))
		require.True(t, pm.AddEntry(testEntry(tx, 100, 100, 100),
			StatusPending))
		prev = tx
	}
	require.Equal(t, n+1, pm.Size())

	removed := pm.RemoveEntryAndDescendants(root.ID())
	require.Len(t, removed, n+1)
	require.Equal(t, root.ID(), removed[0].ID())
	require.Zero(t, pm.Size())
	require.Zero(t, pm.TotalSize())
}

func TestPoolMapCommitRemovalKeepsDescendants(t *testing.T) {
	pm := NewPoolMap()

	parentTx := testTx(1)
	parent := testEntry(parentTx, 100, 100, 100)
	require.True(t, pm.AddEntry(parent, StatusPending))

	childTx := testTx(2, parentTx.OutPointAt(0))
	child := testEntry(childTx, 200, 200, 200)
	require.True(t, pm.AddEntry(child, StatusPending))

	require.NotNil(t, pm.RemoveEntry(parent.ID()))

	require.True(t, pm.ContainsKey(child.ID()))
	require.Equal(t, uint64(1), child.AncestorsCount)
	require.Equal(t, uint64(200), child.AncestorsFee)
	require.Equal(t, uint64(1), child.DescendantsCount)
}

func TestPoolMapRemoveEntriesByFilter(t *testing.T) {
	pm := NewPoolMap()

	parentTx := testTx(1)
	parent := testEntry(parentTx, 100, 100, 100)
	require.True(t, pm.AddEntry(parent, StatusPending))

	childTx := testTx(2, parentTx.OutPointAt(0))
	require.True(t, pm.AddEntry(testEntry(childTx, 100, 100, 100),
		StatusPending))

	keeper := testEntry(testTx(3), 900, 100, 100)
	require.True(t, pm.AddEntry(keeper, StatusPending))

	// Selecting the parent cascades through its descendant.
	removed := pm.RemoveEntriesByFilter(
		func(id types.ProposalShortID, entry *TxEntry) bool {
			return entry.Fee < 500
		})

	require.Len(t, removed, 2)
	require.Equal(t, 1, pm.Size())
	require.True(t, pm.ContainsKey(keeper.ID()))
}

func TestPoolMapResolveConflict(t *testing.T) {
	pm := NewPoolMap()

	victimTx := testTx(1)
	victim := testEntry(victimTx, 100, 100, 100)
	require.True(t, pm.AddEntry(victim, StatusPending))

	childTx := testTx(2, victimTx.OutPointAt(0))
	child := testEntry(childTx, 200, 200, 200)
	require.True(t, pm.AddEntry(child, StatusPending))

	// A transaction declaring the same contested cell as a dep dies too.
	depTx := testTx(3)
	depTx.CellDeps = []types.CellDep{
		{OutPoint: victimTx.Inputs[0].PreviousOutput},
	}
	dep := testEntry(depTx, 300, 300, 300)
	require.True(t, pm.AddEntry(dep, StatusPending))

	// The winner spends the same chain cell as the victim.
	winner := testTx(4, victimTx.Inputs[0].PreviousOutput)
	conflicts := pm.ResolveConflict(winner)

	require.Len(t, conflicts, 3)
	require.Equal(t, victim.ID(), conflicts[0].Entry.ID())
	require.Equal(t, ConflictDoubleSpend, conflicts[0].Reason)
	require.Equal(t, ConflictDependencyInvalidated, conflicts[1].Reason)
	require.Equal(t, ConflictDependencyInvalidated, conflicts[2].Reason)
	require.Zero(t, pm.Size())
}

func TestPoolMapResolveConflictHeaderDep(t *testing.T) {
	pm := NewPoolMap()

	header := seedHash(99)
	tx := testTx(1)
	tx.HeaderDeps = []chainhash.Hash{header}
	entry := testEntry(tx, 100, 100, 100)
	require.True(t, pm.AddEntry(entry, StatusPending))

	other := testEntry(testTx(2), 100, 100, 100)
	require.True(t, pm.AddEntry(other, StatusPending))

	conflicts := pm.ResolveConflictHeaderDep(
		map[chainhash.Hash]struct{}{header: {}})

	require.Len(t, conflicts, 1)
	require.Equal(t, entry.ID(), conflicts[0].Entry.ID())
	require.Equal(t, ConflictHeaderInvalidated, conflicts[0].Reason)
	require.True(t, pm.ContainsKey(other.ID()))
}

func TestPoolMapFillProposals(t *testing.T) {
	pm := NewPoolMap()

	var ids []types.ProposalShortID
	for i := uint64(0); i < 4; i++ {
		entry := testEntry(testTx(i+1), 100, 100, 100)
		require.True(t, pm.AddEntry(entry, StatusPending))
		ids = append(ids, entry.ID())
	}

	// Gap and Proposed entries are never re-proposed.
	pm.SetStatus(ids[1], StatusGap, 5)

	got := pm.FillProposals(10, nil, nil)
	require.Equal(t, []types.ProposalShortID{ids[0], ids[2], ids[3]}, got)

	got = pm.FillProposals(10,
		map[types.ProposalShortID]struct{}{ids[2]: {}}, nil)
	require.Equal(t, []types.ProposalShortID{ids[0], ids[3]}, got)

	got = pm.FillProposals(1, nil, nil)
	require.Equal(t, []types.ProposalShortID{ids[0]}, got)
}

func TestPoolMapSetStatus(t *testing.T) {
	pm := NewPoolMap()

	entry := testEntry(testTx(1), 100, 100, 100)
	require.True(t, pm.AddEntry(entry, StatusPending))

	pm.SetStatus(entry.ID(), StatusGap, 42)
	require.Equal(t, StatusGap, entry.Status())
	require.Equal(t, uint64(42), entry.ProposedNumber())
	require.Equal(t, 1, pm.SizeOf(StatusGap))
	require.Zero(t, pm.SizeOf(StatusPending))

	pm.SetStatus(entry.ID(), StatusProposed, 42)
	require.Equal(t, StatusProposed, entry.Status())
	require.Equal(t, uint64(42), entry.ProposedNumber())

	pm.SetStatus(entry.ID(), StatusPending, 0)
	require.Equal(t, StatusPending, entry.Status())
	require.Zero(t, entry.ProposedNumber())
}

// TestPoolMapBridgingReinsertion exercises the reorg shape where a committed
// middle transaction returns to a pool that still holds both its parent and
// its child.
func TestPoolMapBridgingReinsertion(t *testing.T) {
	pm := NewPoolMap()

	aTx := testTx(1)
	a := testEntry(aTx, 100, 100, 100)
	require.True(t, pm.AddEntry(a, StatusPending))

	bTx := testTx(2, aTx.OutPointAt(0))
	b := testEntry(bTx, 200, 200, 200)
	require.True(t, pm.AddEntry(b, StatusPending))

	cTx := testTx(3, bTx.OutPointAt(0))
	c := testEntry(cTx, 400, 400, 400)
	require.True(t, pm.AddEntry(c, StatusPending))

	// B commits, then the block carrying it is detached and B returns.
	require.NotNil(t, pm.RemoveEntry(b.ID()))
	b2 := testEntry(bTx, 200, 200, 200)
	require.True(t, pm.AddEntry(b2, StatusPending))

	require.Equal(t, uint64(3), c.AncestorsCount)
	require.Equal(t, uint64(700), c.AncestorsFee)
	require.Equal(t, uint64(3), a.DescendantsCount)
	require.Equal(t, uint64(700), a.DescendantsFee)
	require.Equal(t, uint64(2), b2.AncestorsCount)
	require.Equal(t, uint64(2), b2.DescendantsCount)
}

// bridgedChain builds a three-deep spend chain whose middle transaction was
// committed and re-admitted, leaving it with a newer sequence number than its
// resident child.
func bridgedChain(t *testing.T, pm *PoolMap) (aTx, bTx,
	cTx *types.Transaction) {

	t.Helper()

	aTx = testTx(70)
	require.True(t, pm.AddEntry(testEntry(aTx, 100, 100, 100),
		StatusPending))
	bTx = testTx(71, aTx.OutPointAt(0))
	require.True(t, pm.AddEntry(testEntry(bTx, 100, 100, 100),
		StatusPending))
	cTx = testTx(72, bTx.OutPointAt(0))
	require.True(t, pm.AddEntry(testEntry(cTx, 100, 100, 100),
		StatusPending))

	require.NotNil(t, pm.RemoveEntry(bTx.ProposalShortID()))
	require.True(t, pm.AddEntry(testEntry(bTx, 100, 100, 100),
		StatusPending))
	return aTx, bTx, cTx
}

func TestPoolMapCascadeAfterBridging(t *testing.T) {
	pm := NewPoolMap()
	aTx, bTx, cTx := bridgedChain(t, pm)

	// Sequence numbers would order the re-admitted middle ahead of its
	// child here; the cascade must still come back parent-first.
	removed := pm.RemoveEntryAndDescendants(bTx.ProposalShortID())
	require.Len(t, removed, 2)
	require.Equal(t, bTx.ProposalShortID(), removed[0].ID())
	require.Equal(t, cTx.ProposalShortID(), removed[1].ID())

	// The surviving ancestor no longer counts the removed package.
	a, ok := pm.Get(aTx.ProposalShortID())
	require.True(t, ok)
	require.Equal(t, uint64(1), a.DescendantsCount)
	require.Equal(t, uint64(100), a.DescendantsFee)
}

func TestPoolMapConflictTagAfterBridging(t *testing.T) {
	pm := NewPoolMap()
	aTx, bTx, cTx := bridgedChain(t, pm)

	// The winner contests the cell the re-admitted middle spends. The
	// double-spend tag must land on that owner, not on whichever victim
	// happens to come out of the cascade first.
	winner := testTx(73, bTx.Inputs[0].PreviousOutput)
	conflicts := pm.ResolveConflict(winner)
	require.Len(t, conflicts, 2)
	for _, conflict := range conflicts {
		want := ConflictDependencyInvalidated
		if conflict.Entry.ID() == bTx.ProposalShortID() {
			want = ConflictDoubleSpend
		}
		require.Equal(t, want, conflict.Reason)
	}
	require.False(t, pm.ContainsKey(cTx.ProposalShortID()))
	require.True(t, pm.ContainsKey(aTx.ProposalShortID()))
}

// TestPoolMapStatsConservation drives random DAG growth and removal and
// checks that the incrementally maintained package statistics always match a
// from-scratch recomputation over the closures.
func TestPoolMapStatsConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pm := NewPoolMap()
		var resident []*types.Transaction

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			addTx := len(resident) == 0 ||
				rapid.Float64Range(0, 1).Draw(t, "op") < 0.7
			if addTx {
				// Pick at most one unspent output per resident
				// candidate; the pool never holds two spenders
				// of one cell.
				var parents []types.OutPoint
				for _, cand := range resident {
					if rapid.Float64Range(0, 1).
						Draw(t, "link") >= 0.3 {

						continue
					}
					idx := rapid.Uint32Range(0, 1).
						Draw(t, "out")
					op := cand.OutPointAt(idx)
					if _, taken := pm.SpentBy(op); !taken {
						parents = append(parents, op)
					}
				}
				tx := testTx(uint64(1000+i), parents...)
				fee := rapid.Uint64Range(1, 10_000).
					Draw(t, "fee")
				entry := testEntry(tx, fee,
					uint64(100+i), uint64(50+i))
				if pm.AddEntry(entry, StatusPending) {
					resident = append(resident, tx)
				}
			} else if rapid.Bool().Draw(t, "cascade") {
				idx := rapid.IntRange(0,
					len(resident)-1).Draw(t, "victim")
				id := resident[idx].ProposalShortID()
				pm.RemoveEntryAndDescendants(id)
			} else {
				// Commit-style removal is only valid for an
				// entry with no resident ancestors, matching
				// block order.
				var roots []types.ProposalShortID
				for _, tx := range resident {
					id := tx.ProposalShortID()
					if len(pm.CalcAncestors(id)) == 0 {
						roots = append(roots, id)
					}
				}
				idx := rapid.IntRange(0,
					len(roots)-1).Draw(t, "root")
				pm.RemoveEntry(roots[idx])
			}

			survivors := resident[:0]
			for _, tx := range resident {
				if pm.ContainsKey(tx.ProposalShortID()) {
					survivors = append(survivors, tx)
				}
			}
			resident = survivors

			checkStats(t, pm, resident)
		}
	})
}

// checkStats recomputes every resident entry's package statistics from the
// closures and compares them with the maintained aggregates.
func checkStats(t *rapid.T, pm *PoolMap, resident []*types.Transaction) {
	for _, tx := range resident {
		id := tx.ProposalShortID()
		entry, ok := pm.Get(id)
		if !ok {
			t.Fatalf("resident tx %s missing from pool", id)
		}

		wantAncFee, wantAncCount := entry.Fee, uint64(1)
		for ancID := range pm.CalcAncestors(id) {
			anc, _ := pm.Get(ancID)
			wantAncFee += anc.Fee
			wantAncCount++
		}
		if entry.AncestorsFee != wantAncFee ||
			entry.AncestorsCount != wantAncCount {

			t.Fatalf("entry %s ancestor stats want fee=%d "+
				"count=%d, got %s", id, wantAncFee, wantAncCount,
				spew.Sdump(entry))
		}

		wantDescFee, wantDescCount := entry.Fee, uint64(1)
		for descID := range pm.CalcDescendants(id) {
			desc, _ := pm.Get(descID)
			wantDescFee += desc.Fee
			wantDescCount++
		}
		if entry.DescendantsFee != wantDescFee ||
			entry.DescendantsCount != wantDescCount {

			t.Fatalf("entry %s descendant stats want fee=%d "+
				"count=%d, got %s", id, wantDescFee,
				wantDescCount, spew.Sdump(entry))
		}
	}
}
