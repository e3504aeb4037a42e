// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/celldag/celld/mempool"
	"github.com/celldag/celld/types"
)

// testTx builds a transaction spending the given out-points, with the seed
// folded into a witness so hashes stay unique. Without parents it spends a
// fake chain cell derived from the seed.
func testTx(seed uint64, parents ...types.OutPoint) *types.Transaction {
	var w [8]byte
	binary.LittleEndian.PutUint64(w[:], seed)

	tx := &types.Transaction{
		Outputs:     []types.CellOutput{{Capacity: 500}},
		OutputsData: [][]byte{nil},
		Witnesses:   [][]byte{w[:]},
	}
	if len(parents) == 0 {
		var h chainhash.Hash
		binary.LittleEndian.PutUint64(h[:8], seed)
		h[31] = 0xee
		parents = []types.OutPoint{{TxHash: h}}
	}
	for _, op := range parents {
		tx.Inputs = append(tx.Inputs, types.CellInput{
			PreviousOutput: op,
		})
	}
	return tx
}

// proposedPool builds a pool map holding the given entries as Proposed, so
// their package statistics are maintained the same way the live pool does
// it, and returns the snapshot slice.
func proposedPool(t *testing.T,
	entries ...*mempool.TxEntry) []*mempool.TxEntry {

	t.Helper()

	pm := mempool.NewPoolMap()
	for _, entry := range entries {
		require.True(t, pm.AddEntry(entry, mempool.StatusProposed))
	}
	return pm.EntriesIn(mempool.StatusProposed)
}

func entryOf(tx *types.Transaction, fee, size, cycles uint64) *mempool.TxEntry {
	return mempool.NewTxEntryWithTime(tx, cycles, size, fee,
		time.Unix(1700000000, 0))
}

func idsOf(entries []*mempool.TxEntry) []types.ProposalShortID {
	ids := make([]types.ProposalShortID, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID()
	}
	return ids
}

// TestScannerAtomicPackage covers the package-or-nothing rule: a child whose
// package busts the budget contributes nothing, while a budget that fits the
// whole package admits parent and child together.
func TestScannerAtomicPackage(t *testing.T) {
	aTx := testTx(1)
	bTx := testTx(2, aTx.OutPointAt(0))

	build := func() []*mempool.TxEntry {
		return proposedPool(t,
			entryOf(aTx, 1000, 500, 0),
			entryOf(bTx, 100, 500, 0))
	}

	selected, size, cycles := NewCommitTxsScanner(build()).
		Scan(500, math.MaxUint64)
	require.Equal(t, []types.ProposalShortID{aTx.ProposalShortID()},
		idsOf(selected))
	require.Equal(t, uint64(500), size)
	require.Zero(t, cycles)

	selected, size, _ = NewCommitTxsScanner(build()).
		Scan(1000, math.MaxUint64)
	require.Equal(t, []types.ProposalShortID{
		aTx.ProposalShortID(), bTx.ProposalShortID(),
	}, idsOf(selected))
	require.Equal(t, uint64(1000), size)
}

// TestScannerCPFP covers child-pays-for-parent: a valuable child drags its
// cheap parent in ahead of a middling independent transaction, parent first.
func TestScannerCPFP(t *testing.T) {
	pTx := testTx(1)
	cTx := testTx(2, pTx.OutPointAt(0))
	mTx := testTx(3)

	snapshot := proposedPool(t,
		entryOf(pTx, 10, 100, 0),
		entryOf(cTx, 5000, 100, 0),
		entryOf(mTx, 200, 100, 0))

	selected, _, _ := NewCommitTxsScanner(snapshot).
		Scan(math.MaxUint64, math.MaxUint64)

	require.Equal(t, []types.ProposalShortID{
		pTx.ProposalShortID(),
		cTx.ProposalShortID(),
		mTx.ProposalShortID(),
	}, idsOf(selected))
}

// TestScannerRescoresAfterAncestorSelection verifies that once a rich parent
// is taken, its child competes on its own merits instead of riding the
// ancestor package score.
func TestScannerRescoresAfterAncestorSelection(t *testing.T) {
	pTx := testTx(1)
	cTx := testTx(2, pTx.OutPointAt(0))
	mTx := testTx(3)

	snapshot := proposedPool(t,
		entryOf(pTx, 10_000, 100, 0),
		entryOf(cTx, 10, 100, 0),
		entryOf(mTx, 2000, 100, 0))

	selected, _, _ := NewCommitTxsScanner(snapshot).
		Scan(math.MaxUint64, math.MaxUint64)

	require.Equal(t, []types.ProposalShortID{
		pTx.ProposalShortID(),
		mTx.ProposalShortID(),
		cTx.ProposalShortID(),
	}, idsOf(selected))
}

func TestScannerCyclesBudget(t *testing.T) {
	aTx := testTx(1)
	bTx := testTx(2)

	snapshot := proposedPool(t,
		entryOf(aTx, 1000, 100, 600),
		entryOf(bTx, 999, 100, 600))

	selected, _, cycles := NewCommitTxsScanner(snapshot).
		Scan(math.MaxUint64, 1000)

	require.Equal(t, []types.ProposalShortID{aTx.ProposalShortID()},
		idsOf(selected))
	require.Equal(t, uint64(600), cycles)
}

// TestScannerDeterminism runs the same snapshot through two scanners and
// requires identical selections, including among fee-rate ties.
func TestScannerDeterminism(t *testing.T) {
	build := func() []*mempool.TxEntry {
		var entries []*mempool.TxEntry
		var prev *types.Transaction
		for i := uint64(0); i < 20; i++ {
			var tx *types.Transaction
			if i%3 == 2 && prev != nil {
				tx = testTx(100+i, prev.OutPointAt(0))
			} else {
				tx = testTx(100 + i)
			}
			prev = tx
			entries = append(entries,
				entryOf(tx, 500, 100, 10))
		}
		return proposedPool(t, entries...)
	}

	first, _, _ := NewCommitTxsScanner(build()).
		Scan(math.MaxUint64, math.MaxUint64)
	second, _, _ := NewCommitTxsScanner(build()).
		Scan(math.MaxUint64, math.MaxUint64)

	require.Equal(t, idsOf(first), idsOf(second))
	require.Len(t, first, 20)
}

// TestScannerTopologicalOrder checks that no selected entry ever precedes
// one of its in-snapshot ancestors.
func TestScannerTopologicalOrder(t *testing.T) {
	aTx := testTx(1)
	bTx := testTx(2, aTx.OutPointAt(0))
	cTx := testTx(3, bTx.OutPointAt(0))

	snapshot := proposedPool(t,
		entryOf(aTx, 1, 100, 0),
		entryOf(bTx, 2, 100, 0),
		entryOf(cTx, 90_000, 100, 0))

	selected, _, _ := NewCommitTxsScanner(snapshot).
		Scan(math.MaxUint64, math.MaxUint64)

	require.Equal(t, []types.ProposalShortID{
		aTx.ProposalShortID(),
		bTx.ProposalShortID(),
		cTx.ProposalShortID(),
	}, idsOf(selected))
}

func TestScannerEmptySnapshot(t *testing.T) {
	selected, size, cycles := NewCommitTxsScanner(nil).
		Scan(math.MaxUint64, math.MaxUint64)

	require.Empty(t, selected)
	require.Zero(t, size)
	require.Zero(t, cycles)
}
