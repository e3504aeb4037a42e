// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"time"

	"github.com/celldag/celld/consensus"
	"github.com/celldag/celld/types"
)

// Status is the pool partition an entry currently belongs to. Every short id
// is in exactly one partition at a time.
type Status uint8

const (
	// StatusPending marks an entry submitted but not yet proposed
	// on-chain.
	StatusPending Status = iota

	// StatusGap marks an entry whose proposal is on-chain but whose
	// commit window has not opened yet.
	StatusGap

	// StatusProposed marks an entry inside its commit window, visible to
	// block template assembly.
	StatusProposed
)

// String returns the partition name used in logs and pool introspection.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusGap:
		return "gap"
	case StatusProposed:
		return "proposed"
	}
	return "unknown"
}

// TxEntry is one pooled transaction together with its incrementally
// maintained ancestor and descendant package statistics. The aggregate
// fields always cover the entry itself plus every transitive relative
// currently resident in the pool; chain-committed relatives never count.
//
// Entries are owned by the pool map. Everything except the aggregate fields
// and the status bookkeeping is immutable after construction.
type TxEntry struct {
	// Tx is the resolved transaction. Shared, never mutated.
	Tx *types.Transaction

	// Cycles is the verified execution cost, Size the serialized byte
	// length and Fee the total fee in shannons.
	Cycles uint64
	Size   uint64
	Fee    uint64

	// Timestamp is the admission time, overridable for deterministic
	// tests via NewTxEntryWithTime.
	Timestamp time.Time

	// Aggregate package statistics, seeded to the entry's own values.
	AncestorsSize    uint64
	AncestorsFee     uint64
	AncestorsCycles  uint64
	AncestorsCount   uint64
	DescendantsSize  uint64
	DescendantsFee   uint64
	DescendantsCycles uint64
	DescendantsCount uint64

	// status and seq are maintained by the pool map: the partition the
	// entry lives in and its admission sequence number, which gives
	// FillProposals its oldest-first order.
	status Status
	seq    uint64

	// proposedNumber is the block height at which the entry's proposal
	// was observed on-chain. Zero while Pending.
	proposedNumber uint64
}

// NewTxEntry builds an entry for a freshly verified transaction, stamping
// the admission time as now.
func NewTxEntry(tx *types.Transaction, cycles, size, fee uint64) *TxEntry {
	return NewTxEntryWithTime(tx, cycles, size, fee, time.Now())
}

// NewTxEntryWithTime is NewTxEntry with an explicit admission timestamp.
func NewTxEntryWithTime(tx *types.Transaction, cycles, size, fee uint64,
	timestamp time.Time) *TxEntry {

	return &TxEntry{
		Tx:                tx,
		Cycles:            cycles,
		Size:              size,
		Fee:               fee,
		Timestamp:         timestamp,
		AncestorsSize:     size,
		AncestorsFee:      fee,
		AncestorsCycles:   cycles,
		AncestorsCount:    1,
		DescendantsSize:   size,
		DescendantsFee:    fee,
		DescendantsCycles: cycles,
		DescendantsCount:  1,
	}
}

// ID returns the entry's short id.
func (e *TxEntry) ID() types.ProposalShortID {
	return e.Tx.ProposalShortID()
}

// Status returns the partition the entry currently belongs to.
func (e *TxEntry) Status() Status {
	return e.status
}

// ProposedNumber returns the height the entry was proposed at, or zero while
// Pending.
func (e *TxEntry) ProposedNumber() uint64 {
	return e.proposedNumber
}

// Weight returns the entry's own selection weight.
func (e *TxEntry) Weight() uint64 {
	return consensus.TxWeight(e.Size, e.Cycles)
}

// AncestorsWeight returns the selection weight of the entry's ancestor
// package.
func (e *TxEntry) AncestorsWeight() uint64 {
	return consensus.TxWeight(e.AncestorsSize, e.AncestorsCycles)
}

// DescendantsWeight returns the selection weight of the entry's descendant
// package.
func (e *TxEntry) DescendantsWeight() uint64 {
	return consensus.TxWeight(e.DescendantsSize, e.DescendantsCycles)
}

// FeeRate returns the entry's own fee per kilo-weight.
func (e *TxEntry) FeeRate() uint64 {
	return feePerKW(e.Fee, e.Weight())
}

// AddAncestorWeight folds one newly resident ancestor's own contribution
// into the aggregate ancestor statistics. O(1); never touches the pool.
func (e *TxEntry) AddAncestorWeight(ancestor *TxEntry) {
	e.AncestorsSize += ancestor.Size
	e.AncestorsFee += ancestor.Fee
	e.AncestorsCycles += ancestor.Cycles
	e.AncestorsCount++
}

// SubAncestorWeight removes one departing ancestor's own contribution from
// the aggregate ancestor statistics.
func (e *TxEntry) SubAncestorWeight(ancestor *TxEntry) {
	e.AncestorsSize -= ancestor.Size
	e.AncestorsFee -= ancestor.Fee
	e.AncestorsCycles -= ancestor.Cycles
	e.AncestorsCount--
}

// AddDescendantWeight folds one newly resident descendant's own contribution
// into the aggregate descendant statistics.
func (e *TxEntry) AddDescendantWeight(descendant *TxEntry) {
	e.DescendantsSize += descendant.Size
	e.DescendantsFee += descendant.Fee
	e.DescendantsCycles += descendant.Cycles
	e.DescendantsCount++
}

// SubDescendantWeight removes one departing descendant's own contribution
// from the aggregate descendant statistics.
func (e *TxEntry) SubDescendantWeight(descendant *TxEntry) {
	e.DescendantsSize -= descendant.Size
	e.DescendantsFee -= descendant.Fee
	e.DescendantsCycles -= descendant.Cycles
	e.DescendantsCount--
}

// ScoreKey snapshots the entry into its template-selection ordering key.
func (e *TxEntry) ScoreKey() AncestorsScoreSortKey {
	return AncestorsScoreSortKey{
		Fee:             e.Fee,
		Weight:          e.Weight(),
		ID:              e.ID(),
		AncestorsFee:    e.AncestorsFee,
		AncestorsWeight: e.AncestorsWeight(),
	}
}

// EvictKey snapshots the entry into its eviction ordering key.
func (e *TxEntry) EvictKey() EvictKey {
	rate := e.FeeRate()
	if descRate := feePerKW(e.DescendantsFee,
		e.DescendantsWeight()); descRate > rate {

		rate = descRate
	}
	return EvictKey{
		FeeRate:          rate,
		Timestamp:        e.Timestamp.UnixNano(),
		DescendantsCount: e.DescendantsCount,
		ID:               e.ID(),
	}
}

// feePerKW converts a (fee, weight) pair into shannons per kilo-weight,
// rounding down. A zero weight cannot occur for a real transaction; it is
// mapped to zero to keep the function total.
func feePerKW(fee, weight uint64) uint64 {
	if weight == 0 {
		return 0
	}
	return fee * 1000 / weight
}
