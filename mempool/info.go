// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/celldag/celld/types"
)

// TxPoolInfo is a point-in-time summary of pool state.
type TxPoolInfo struct {
	TipHash          chainhash.Hash `json:"tip_hash"`
	TipNumber        uint64         `json:"tip_number"`
	Pending          uint64         `json:"pending"`
	Gap              uint64         `json:"gap"`
	Proposed         uint64         `json:"proposed"`
	TotalTxSize      uint64         `json:"total_tx_size"`
	TotalTxCycles    uint64         `json:"total_tx_cycles"`
	LastTxsUpdatedAt uint64         `json:"last_txs_updated_at"`
}

// RawTxPool lists the hashes resident in each partition, in admission order.
// Gap entries are reported as pending since their proposal has not matured
// into the commit window yet.
type RawTxPool struct {
	Pending  []chainhash.Hash `json:"pending"`
	Proposed []chainhash.Hash `json:"proposed"`
}

// PoolTxDetailInfo describes one pooled transaction's package statistics and
// its standing relative to the rest of the pool.
type PoolTxDetailInfo struct {
	AncestorsCount   uint64                `json:"ancestors_count"`
	DescendantsCount uint64                `json:"descendants_count"`
	EntryStatus      string                `json:"entry_status"`
	PendingCount     uint64                `json:"pending_count"`
	ProposedCount    uint64                `json:"proposed_count"`
	RankInPending    uint64                `json:"rank_in_pending"`
	ScoreSortKey     AncestorsScoreSortKey `json:"score_sortkey"`
	Timestamp        uint64                `json:"timestamp"`
}

// Info returns a summary of the pool at the current instant.
func (tp *TxPool) Info() TxPoolInfo {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	tip := tp.cfg.Chain.Tip()
	info := TxPoolInfo{
		Pending:          uint64(len(tp.pool.EntriesIn(StatusPending))),
		Gap:              uint64(len(tp.pool.EntriesIn(StatusGap))),
		Proposed:         uint64(len(tp.pool.EntriesIn(StatusProposed))),
		TotalTxSize:      tp.pool.TotalSize(),
		TotalTxCycles:    tp.pool.TotalCycles(),
		LastTxsUpdatedAt: uint64(tp.lastUpdated.Load()),
	}
	if tip != nil {
		info.TipHash = tip.Hash()
		info.TipNumber = tip.Number
	}
	return info
}

// RawPool returns the hashes of every pooled transaction grouped by
// partition.
func (tp *TxPool) RawPool() RawTxPool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	raw := RawTxPool{}
	for _, entry := range tp.pool.EntriesIn(StatusPending) {
		raw.Pending = append(raw.Pending, entry.Tx.Hash())
	}
	for _, entry := range tp.pool.EntriesIn(StatusGap) {
		raw.Pending = append(raw.Pending, entry.Tx.Hash())
	}
	for _, entry := range tp.pool.EntriesIn(StatusProposed) {
		raw.Proposed = append(raw.Proposed, entry.Tx.Hash())
	}
	return raw
}

// PoolTxDetail returns detailed package statistics for one pooled
// transaction.
func (tp *TxPool) PoolTxDetail(hash chainhash.Hash) (PoolTxDetailInfo, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	entry, ok := tp.pool.Get(types.ShortIDFromHash(hash))
	if !ok {
		return PoolTxDetailInfo{}, false
	}

	pending := tp.pool.EntriesIn(StatusPending)
	detail := PoolTxDetailInfo{
		AncestorsCount:   entry.AncestorsCount,
		DescendantsCount: entry.DescendantsCount,
		EntryStatus:      entry.Status().String(),
		PendingCount:     uint64(len(pending)),
		ProposedCount: uint64(len(
			tp.pool.EntriesIn(StatusProposed))),
		ScoreSortKey: entry.ScoreKey(),
		Timestamp:    uint64(entry.Timestamp.UnixMilli()),
	}

	// Rank within Pending by descending score, 1-based; zero when the
	// entry is not Pending.
	if entry.Status() == StatusPending {
		keys := make([]AncestorsScoreSortKey, len(pending))
		for i, pe := range pending {
			keys[i] = pe.ScoreKey()
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[j].Less(&keys[i])
		})
		target := entry.ID()
		for i := range keys {
			if keys[i].ID == target {
				detail.RankInPending = uint64(i + 1)
				break
			}
		}
	}
	return detail, true
}
