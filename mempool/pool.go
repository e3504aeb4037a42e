// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"

	"github.com/celldag/celld/consensus"
	"github.com/celldag/celld/types"
)

const (
	// DefaultMaxPoolSize is the default ceiling on the aggregate
	// serialized size of pooled transactions.
	DefaultMaxPoolSize = 180_000_000

	// DefaultMaxPoolCycles is the default ceiling on aggregate
	// verification cycles.
	DefaultMaxPoolCycles = 200_000_000_000

	// DefaultRecentRejectsSize is the default capacity of the
	// recently-rejected transaction cache.
	DefaultRecentRejectsSize = 10_000
)

// Config defines the collaborators and limits of a transaction pool. All
// dependencies are injected; the pool performs no blocking I/O of its own.
type Config struct {
	// Consensus supplies budgets and the proposal window. Required.
	Consensus *consensus.Params

	// Chain resolves inputs, cell deps and header deps against current
	// chain state. Required.
	Chain ChainView

	// Verifier prices candidate transactions. Required.
	Verifier Verifier

	// Notifier receives admission outcomes. Optional.
	Notifier Notifier

	// MaxPoolSize and MaxPoolCycles are the eviction ceilings; zero
	// selects the defaults.
	MaxPoolSize   uint64
	MaxPoolCycles uint64

	// RecentRejectsSize caps the recently-rejected cache; zero selects
	// the default.
	RecentRejectsSize uint
}

// TxPool is the pool orchestrator: the single logical owner of the pool
// map. Every mutation — admission, conflict resolution, status transition,
// eviction, reorg application — is serialized through its mutex, so
// conflict cascades are atomic with respect to their triggering event.
// Template building reads a copied snapshot and never observes a pool
// mutated mid-scan.
type TxPool struct {
	cfg Config

	// mu is the exclusive-mutation boundary.
	mu   sync.RWMutex
	pool *PoolMap

	// recentRejects short-circuits resubmission of known-bad hashes.
	recentRejects lru.Cache

	// lastUpdated tracks the last pool mutation for template cache
	// staleness checks; atomic for lock-free reads.
	lastUpdated atomic.Int64
}

// New constructs a TxPool, validating required collaborators.
func New(cfg *Config) (*TxPool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mempool config cannot be nil")
	}
	if cfg.Consensus == nil {
		return nil, fmt.Errorf("Consensus is required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("Chain is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("Verifier is required")
	}

	resolved := *cfg
	if resolved.MaxPoolSize == 0 {
		resolved.MaxPoolSize = DefaultMaxPoolSize
	}
	if resolved.MaxPoolCycles == 0 {
		resolved.MaxPoolCycles = DefaultMaxPoolCycles
	}
	if resolved.RecentRejectsSize == 0 {
		resolved.RecentRejectsSize = DefaultRecentRejectsSize
	}

	tp := &TxPool{
		cfg:           resolved,
		pool:          NewPoolMap(),
		recentRejects: lru.NewCache(resolved.RecentRejectsSize),
	}
	tp.lastUpdated.Store(time.Now().UnixNano())

	log.InfoS(context.Background(), "Initialized transaction pool",
		"max_size", resolved.MaxPoolSize,
		"max_cycles", resolved.MaxPoolCycles)

	return tp, nil
}

// LastUpdated returns the time of the last pool mutation. Lock-free.
func (tp *TxPool) LastUpdated() time.Time {
	return time.Unix(0, tp.lastUpdated.Load())
}

func (tp *TxPool) touch() {
	tp.lastUpdated.Store(time.Now().UnixNano())
}

// SubmitTransaction resolves, verifies and admits tx into the Pending
// partition. On success the new entry is returned; on failure a typed
// RuleError describes the rejection and the pool is unchanged except for
// conflict resolution losses, which are reported through the notifier.
//
// The verifier is invoked without the pool lock held, so verifier
// implementations may consult the pool to price unconfirmed parents.
func (tp *TxPool) SubmitTransaction(tx *types.Transaction) (*TxEntry, error) {
	return tp.submit(tx, time.Now())
}

// SubmitTransactionWithTime is SubmitTransaction with an explicit admission
// timestamp, for deterministic tests.
func (tp *TxPool) SubmitTransactionWithTime(tx *types.Transaction,
	timestamp time.Time) (*TxEntry, error) {

	return tp.submit(tx, timestamp)
}

func (tp *TxPool) submit(tx *types.Transaction,
	timestamp time.Time) (*TxEntry, error) {

	// Screen before paying for verification: duplicates, known-bad hashes
	// and unresolvable dependencies never reach the verifier.
	tp.mu.RLock()
	err := tp.screenLocked(tx)
	tp.mu.RUnlock()
	if err != nil {
		tp.reject(tx, err)
		return nil, err
	}

	tip := tp.cfg.Chain.Tip()
	cycles, fee, err := tp.cfg.Verifier.VerifyTransaction(tx, tip)
	if err != nil {
		if _, typed := ErrorCode(err); !typed {
			err = ruleError(RejectMalformed, err.Error())
		}
		tp.reject(tx, err)
		return nil, err
	}

	entry := NewTxEntryWithTime(tx, cycles, tx.SerializedSize(), fee,
		timestamp)

	tp.mu.Lock()
	err = tp.admitLocked(entry)
	tp.mu.Unlock()
	if err != nil {
		tp.reject(tx, err)
		return nil, err
	}
	return entry, nil
}

// screenLocked performs the read-only admission checks.
func (tp *TxPool) screenLocked(tx *types.Transaction) error {
	hash := tx.Hash()
	if tp.pool.ContainsKey(tx.ProposalShortID()) {
		return ruleError(RejectDuplicate,
			fmt.Sprintf("transaction %v already in pool", hash))
	}
	if tp.recentRejects.Contains(hash) {
		return ruleError(RejectDuplicate,
			fmt.Sprintf("transaction %v recently rejected", hash))
	}
	return tp.resolveLocked(tx)
}

// admitLocked inserts a verified entry, resolving conflicts it dominates.
// The screening checks are repeated because the pool may have changed while
// the verifier ran outside the lock.
func (tp *TxPool) admitLocked(entry *TxEntry) error {
	tx := entry.Tx
	if err := tp.screenLocked(tx); err != nil {
		return err
	}

	// A submission conflicting with pooled spends must strictly dominate
	// every conflicted package before it may displace them.
	if err := tp.checkDominanceLocked(tx, entry); err != nil {
		return err
	}
	for _, conflict := range tp.pool.ResolveConflict(tx) {
		tp.reportConflictLocked(conflict)
	}

	if !tp.pool.AddEntry(entry, StatusPending) {
		return ruleError(RejectDuplicate, fmt.Sprintf(
			"transaction %v already in pool", tx.Hash()))
	}
	tp.touch()

	log.DebugS(context.Background(), "Transaction admitted",
		"tx_hash", tx.Hash(),
		"size", entry.Size,
		"cycles", entry.Cycles,
		"fee", entry.Fee,
		"pool_size", tp.pool.Size())

	if tp.cfg.Notifier != nil {
		tp.cfg.Notifier.TransactionAccepted(entry)
	}

	tp.evictLocked()

	return nil
}

// resolveLocked checks that every input, cell dependency and header
// dependency of tx is satisfiable by the chain or by a pooled transaction.
func (tp *TxPool) resolveLocked(tx *types.Transaction) error {
	for _, in := range tx.Inputs {
		op := in.PreviousOutput
		if tp.cfg.Chain.CellIsLive(op) {
			continue
		}
		if tp.poolProvidesLocked(op) {
			continue
		}
		return outPointError(RejectUnresolved, op,
			"input cell not live on chain or in pool")
	}
	for _, dep := range tx.CellDeps {
		op := dep.OutPoint
		if tp.cfg.Chain.CellIsLive(op) || tp.poolProvidesLocked(op) {
			continue
		}
		return outPointError(RejectUnresolved, op,
			"dep cell not live on chain or in pool")
	}
	for _, hash := range tx.HeaderDeps {
		if !tp.cfg.Chain.HeaderExists(hash) {
			return ruleError(RejectUnresolved, fmt.Sprintf(
				"header dep %v not on main chain", hash))
		}
	}
	return nil
}

// poolProvidesLocked reports whether a pooled transaction produces the
// out-point. Whether something in the pool already spends it is settled
// later by the dominance check.
func (tp *TxPool) poolProvidesLocked(op types.OutPoint) bool {
	parent, ok := tp.pool.Get(types.ShortIDFromHash(op.TxHash))
	if !ok {
		return false
	}
	return op.Index < uint32(len(parent.Tx.Outputs))
}

// checkDominanceLocked rejects tx when it double-spends pooled entries
// without strictly dominating them: its own fee rate must exceed the
// package (entry plus descendants) fee rate of every directly conflicting
// entry.
func (tp *TxPool) checkDominanceLocked(tx *types.Transaction,
	candidate *TxEntry) error {

	rate := candidate.FeeRate()
	for _, in := range tx.Inputs {
		op := in.PreviousOutput
		ownerID, ok := tp.pool.SpentBy(op)
		if !ok {
			continue
		}
		owner, resident := tp.pool.Get(ownerID)
		if !resident {
			continue
		}
		ownerRate := owner.FeeRate()
		if descRate := feePerKW(owner.DescendantsFee,
			owner.DescendantsWeight()); descRate > ownerRate {

			ownerRate = descRate
		}
		if rate <= ownerRate {
			return outPointError(RejectDoubleSpend, op,
				fmt.Sprintf("conflicts with pooled "+
					"transaction %v at equal or better "+
					"fee rate", owner.Tx.Hash()))
		}
	}
	return nil
}

// reject records and reports a failed submission. The recent-rejects cache
// is internally synchronized, so no pool lock is required. Only hard
// failures are cached: a duplicate is already resident, and an unresolved
// transaction may become valid once the cell it spends arrives.
func (tp *TxPool) reject(tx *types.Transaction, err error) {
	if code, ok := ErrorCode(err); !ok ||
		(code != RejectDuplicate && code != RejectUnresolved) {

		tp.recentRejects.Add(tx.Hash())
	}

	log.DebugS(context.Background(), "Transaction rejected",
		"tx_hash", tx.Hash(),
		"reason", err.Error())

	if tp.cfg.Notifier != nil {
		tp.cfg.Notifier.TransactionRejected(tx, err)
	}
}

// reportConflictLocked reports one conflict casualty through the notifier.
func (tp *TxPool) reportConflictLocked(conflict ConflictEntry) {
	tp.touch()

	log.DebugS(context.Background(), "Pooled transaction resolved as dead",
		"tx_hash", conflict.Entry.Tx.Hash(),
		"reason", conflict.Reason)

	if tp.cfg.Notifier != nil {
		code := RejectResolvedAsDead
		if conflict.Reason == ConflictDoubleSpend {
			code = RejectDoubleSpend
		}
		tp.cfg.Notifier.TransactionRejected(conflict.Entry.Tx,
			ruleError(code, conflict.Reason.String()))
	}
}

// evictLocked enforces the resource ceilings by repeatedly removing the
// entry with the lowest eviction key, cascading through its descendants,
// until usage is back within bounds.
func (tp *TxPool) evictLocked() {
	for tp.pool.TotalSize() > tp.cfg.MaxPoolSize ||
		tp.pool.TotalCycles() > tp.cfg.MaxPoolCycles {

		victim := tp.worstEntryLocked()
		if victim == nil {
			return
		}

		removed := tp.pool.RemoveEntryAndDescendants(victim.ID())
		tp.touch()

		log.InfoS(context.Background(), "Evicted under capacity pressure",
			"tx_hash", victim.Tx.Hash(),
			"cascade", len(removed),
			"pool_bytes", tp.pool.TotalSize())

		if tp.cfg.Notifier != nil {
			for _, entry := range removed {
				tp.cfg.Notifier.TransactionRejected(entry.Tx,
					ruleError(RejectExceedsLimit,
						"evicted: pool over capacity"))
			}
		}
	}
}

// worstEntryLocked scans for the entry with the lowest eviction key.
func (tp *TxPool) worstEntryLocked() *TxEntry {
	var worst *TxEntry
	var worstKey EvictKey
	for _, status := range []Status{StatusPending, StatusGap,
		StatusProposed} {

		for _, entry := range tp.pool.EntriesIn(status) {
			key := entry.EvictKey()
			if worst == nil || key.Less(&worstKey) {
				worst = entry
				worstKey = key
			}
		}
	}
	return worst
}

// OnBlockAttached applies a newly accepted block: committed transactions
// leave the pool with descendant bookkeeping adjusted, conflicting pooled
// spends are resolved as dead, and the block's proposals open the Gap
// partition for matching Pending entries. Window maintenance against the
// new tip runs last.
func (tp *TxPool) OnBlockAttached(block *types.Block) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.applyAttachedLocked(block)
	tp.maintainWindowLocked(block.Header.Number)
}

func (tp *TxPool) applyAttachedLocked(block *types.Block) {
	ctx := context.Background()

	for i, tx := range block.Transactions {
		if i == 0 {
			// Cellbase consumes no cells.
			continue
		}
		id := tx.ProposalShortID()

		// The committed copy leaves the pool without cascading;
		// descendants stay valid and stop counting it.
		if removed := tp.pool.RemoveEntry(id); removed != nil {
			tp.touch()
			log.TraceS(ctx, "Committed transaction left pool",
				"tx_hash", tx.Hash())
		}

		// Anything else spending or depending on the same cells is
		// now dead.
		for _, conflict := range tp.pool.ResolveConflict(tx) {
			tp.reportConflictLocked(conflict)
		}
	}

	// Proposals observed on-chain move Pending entries into Gap.
	number := block.Header.Number
	for _, id := range block.Proposals {
		if entry, ok := tp.pool.Get(id); ok &&
			entry.Status() == StatusPending {

			tp.pool.SetStatus(id, StatusGap, number)
			tp.touch()
		}
	}
	for _, uncle := range block.Uncles {
		for _, id := range uncle.Proposals {
			if entry, ok := tp.pool.Get(id); ok &&
				entry.Status() == StatusPending {

				tp.pool.SetStatus(id, StatusGap, number)
				tp.touch()
			}
		}
	}
}

// maintainWindowLocked advances Gap entries whose commit window has opened
// and reverts Gap or Proposed entries whose window has closed without
// commitment back to Pending. An entry is committable only when every
// pool-resident ancestor is committable too, so a Gap entry with an
// unproposed parent stays in Gap past its window opening, and an expired
// ancestor pulls its Proposed dependents back into Gap. Transitions can
// unblock or block neighbors, so the loop runs to a fixed point.
func (tp *TxPool) maintainWindowLocked(tip uint64) {
	window := tp.cfg.Consensus.TxProposalWindow

	expired := func(entry *TxEntry) bool {
		return tip > entry.ProposedNumber()+window.Farthest()
	}
	for _, entry := range tp.pool.EntriesIn(StatusGap) {
		if expired(entry) {
			tp.pool.SetStatus(entry.ID(), StatusPending, 0)
			tp.touch()
		}
	}
	for _, entry := range tp.pool.EntriesIn(StatusProposed) {
		if expired(entry) {
			tp.pool.SetStatus(entry.ID(), StatusPending, 0)
			tp.touch()
		}
	}

	for changed := true; changed; {
		changed = false
		for _, entry := range tp.pool.EntriesIn(StatusGap) {
			proposed := entry.ProposedNumber()
			if tip < proposed+window.Closest() {
				continue
			}
			if !tp.ancestorsProposedLocked(entry.ID()) {
				continue
			}
			tp.pool.SetStatus(entry.ID(), StatusProposed,
				proposed)
			tp.touch()
			changed = true
		}
		for _, entry := range tp.pool.EntriesIn(StatusProposed) {
			if tp.ancestorsProposedLocked(entry.ID()) {
				continue
			}
			tp.pool.SetStatus(entry.ID(), StatusGap,
				entry.ProposedNumber())
			tp.touch()
			changed = true
		}
	}
}

// ancestorsProposedLocked reports whether every pool-resident ancestor of id
// is itself committable. A child committed ahead of a pooled parent would
// produce an invalid block, so the Proposed partition must stay
// ancestor-closed.
func (tp *TxPool) ancestorsProposedLocked(id types.ProposalShortID) bool {
	for ancestorID := range tp.pool.CalcAncestors(id) {
		ancestor, ok := tp.pool.Get(ancestorID)
		if !ok || ancestor.Status() != StatusProposed {
			return false
		}
	}
	return true
}

// OnChainReorg switches the pool to a new tip: attached blocks are applied
// as commits and conflicts, then transactions from detached blocks are
// re-resolved and re-admitted as Pending; those conflicting with the new
// chain are dropped with a conflict reason.
func (tp *TxPool) OnChainReorg(detached, attached []*types.Block) {
	ctx := context.Background()
	log.InfoS(ctx, "Applying chain reorganization",
		"detached", len(detached),
		"attached", len(attached))

	tp.mu.Lock()

	// Header deps on detached headers are no longer satisfiable.
	invalidated := make(map[chainhash.Hash]struct{}, len(detached))
	for _, block := range detached {
		invalidated[block.Hash()] = struct{}{}
	}
	for _, conflict := range tp.pool.ResolveConflictHeaderDep(invalidated) {
		tp.reportConflictLocked(conflict)
	}

	for _, block := range attached {
		tp.applyAttachedLocked(block)
	}

	if len(attached) > 0 {
		tip := attached[len(attached)-1].Header.Number
		tp.maintainWindowLocked(tip)
	}

	tp.mu.Unlock()

	// Returning transactions go back through full admission, outside the
	// lock because admission verifies. Detached blocks arrive tip-first,
	// so they are replayed in reverse to keep parents ahead of children.
	for i := len(detached) - 1; i >= 0; i-- {
		for j, tx := range detached[i].Transactions {
			if j == 0 {
				continue
			}
			if _, err := tp.submit(tx, time.Now()); err != nil {
				log.DebugS(ctx, "Detached transaction dropped",
					"tx_hash", tx.Hash(),
					"reason", err.Error())
			}
		}
	}
}

// FillProposals returns up to limit Pending short ids not in exclusion,
// oldest first, for a block's proposals field.
func (tp *TxPool) FillProposals(limit uint64,
	exclusion map[types.ProposalShortID]struct{}) []types.ProposalShortID {

	tp.mu.RLock()
	defer tp.mu.RUnlock()

	return tp.pool.FillProposals(limit, exclusion, nil)
}

// ProposedSnapshot returns deep copies of the Proposed partition in
// admission order. The copies share only the immutable transactions, so a
// template scan operates on a consistent snapshot regardless of later pool
// mutation.
func (tp *TxPool) ProposedSnapshot() []*TxEntry {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	proposed := tp.pool.EntriesIn(StatusProposed)
	snapshot := make([]*TxEntry, len(proposed))
	for i, entry := range proposed {
		clone := *entry
		snapshot[i] = &clone
	}
	return snapshot
}

// ContainsTransaction reports whether the transaction is pool resident.
func (tp *TxPool) ContainsTransaction(hash chainhash.Hash) bool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	return tp.pool.ContainsKey(types.ShortIDFromHash(hash))
}

// FetchTransaction returns a pooled transaction by hash.
func (tp *TxPool) FetchTransaction(
	hash chainhash.Hash) (*types.Transaction, bool) {

	tp.mu.RLock()
	defer tp.mu.RUnlock()

	return tp.pool.GetTx(types.ShortIDFromHash(hash))
}
