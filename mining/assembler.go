// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/lru"

	"github.com/celldag/celld/consensus"
	"github.com/celldag/celld/mempool"
	"github.com/celldag/celld/types"
)

const (
	// defaultTemplateCacheSize bounds how many assembled templates are
	// retained for re-serving.
	defaultTemplateCacheSize = 8

	// defaultTemplateTimeout is how long a cached template stays fresh
	// when the pool and uncle set have not changed.
	defaultTemplateTimeout = 3 * time.Second
)

// ChainReader is the view of chain state the assembler builds on top of.
type ChainReader interface {
	// Tip returns the current best header.
	Tip() *types.Header

	// NextEpoch returns the epoch of a block extending parent.
	NextEpoch(parent *types.Header) uint64

	// NextCompactTarget returns the difficulty target of a block
	// extending parent.
	NextCompactTarget(parent *types.Header) uint32

	// DaoField computes the chain accounting commitment for a candidate
	// block extending parent with the given transactions, cellbase
	// first.
	DaoField(parent *types.Header, txs []*types.Transaction) [32]byte
}

// RewardCalculator prices block rewards.
type RewardCalculator interface {
	// BlockReward returns the base issuance for the block at the given
	// number.
	BlockReward(number uint64) uint64
}

// TxSource supplies pool state to the assembler. *mempool.TxPool satisfies
// it.
type TxSource interface {
	// LastUpdated returns the last time the source pool changed.
	LastUpdated() time.Time

	// ProposedSnapshot returns private copies of the entries eligible
	// for commitment.
	ProposedSnapshot() []*mempool.TxEntry

	// FillProposals returns up to limit pending short ids not in
	// exclusion, oldest first.
	FillProposals(limit uint64,
		exclusion map[types.ProposalShortID]struct{}) []types.ProposalShortID
}

// AssemblerConfig defines the collaborators and tuning of a BlockAssembler.
type AssemblerConfig struct {
	// Consensus supplies block budgets and the proposal window.
	// Required.
	Consensus *consensus.Params

	// Chain anchors templates to the current tip. Required.
	Chain ChainReader

	// Source supplies committable and proposable transactions. Required.
	Source TxSource

	// Rewards prices the cellbase. Required.
	Rewards RewardCalculator

	// CacheTimeout overrides the template freshness window; zero selects
	// the default.
	CacheTimeout time.Duration
}

// templateCacheKey identifies a template by everything that shapes it apart
// from pool contents, which are covered by the staleness timestamps.
type templateCacheKey struct {
	parent      chainhash.Hash
	cyclesLimit uint64
	bytesLimit  uint64
	version     uint32
}

// cachedTemplate pairs a built template with the state stamps it was built
// from.
type cachedTemplate struct {
	template    *BlockTemplate
	builtAt     time.Time
	poolStamp   time.Time
	unclesStamp time.Time
}

// BlockAssembler builds block templates from the proposed partition of a
// transaction pool. It is safe for concurrent use; template building takes
// a pool snapshot and never holds pool locks across the scan.
type BlockAssembler struct {
	cfg AssemblerConfig

	mu sync.Mutex

	// candidateUncles holds verified uncle candidates by hash until a
	// template consumes them or the chain passes them by.
	candidateUncles map[chainhash.Hash]*types.UncleBlock
	unclesUpdated   time.Time

	templates lru.KVCache

	workID atomic.Uint64
}

// NewBlockAssembler constructs an assembler, validating required
// collaborators.
func NewBlockAssembler(cfg *AssemblerConfig) (*BlockAssembler, error) {
	if cfg == nil {
		return nil, fmt.Errorf("assembler config cannot be nil")
	}
	if cfg.Consensus == nil {
		return nil, fmt.Errorf("Consensus is required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("Chain is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("Source is required")
	}
	if cfg.Rewards == nil {
		return nil, fmt.Errorf("Rewards is required")
	}

	resolved := *cfg
	if resolved.CacheTimeout == 0 {
		resolved.CacheTimeout = defaultTemplateTimeout
	}

	return &BlockAssembler{
		cfg:             resolved,
		candidateUncles: make(map[chainhash.Hash]*types.UncleBlock),
		unclesUpdated:   time.Now(),
		templates:       lru.NewKVCache(defaultTemplateCacheSize),
	}, nil
}

// AddUncle registers a verified uncle candidate. Candidates whose numbers
// fall out of range for the next block are filtered at template time.
func (ba *BlockAssembler) AddUncle(uncle *types.UncleBlock) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	hash := uncle.Hash()
	if _, ok := ba.candidateUncles[hash]; ok {
		return
	}
	ba.candidateUncles[hash] = uncle
	ba.unclesUpdated = time.Now()

	log.DebugS(context.Background(), "Added uncle candidate",
		"uncle_hash", hash,
		"number", uncle.Header.Number)
}

// PruneUncles drops candidates no longer eligible once the chain has
// advanced to tip.
func (ba *BlockAssembler) PruneUncles(tip uint64) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	delay := ba.cfg.Consensus.FinalizationDelay
	for hash, uncle := range ba.candidateUncles {
		if uncle.Header.Number+delay <= tip+1 {
			delete(ba.candidateUncles, hash)
			ba.unclesUpdated = time.Now()
		}
	}
}

// GetBlockTemplate returns a template for the given budgets, serving a
// cached one while the tip, pool and uncle set are unchanged and the
// freshness window has not lapsed. Zero budgets select the consensus
// defaults.
func (ba *BlockAssembler) GetBlockTemplate(bytesLimit, cyclesLimit uint64,
	version uint32) (*BlockTemplate, error) {

	params := ba.cfg.Consensus
	if bytesLimit == 0 || bytesLimit > params.MaxBlockBytes {
		bytesLimit = params.MaxBlockBytes
	}
	if cyclesLimit == 0 || cyclesLimit > params.MaxBlockCycles {
		cyclesLimit = params.MaxBlockCycles
	}

	parent := ba.cfg.Chain.Tip()
	if parent == nil {
		return nil, fmt.Errorf("chain has no tip")
	}

	key := templateCacheKey{
		parent:      parent.Hash(),
		cyclesLimit: cyclesLimit,
		bytesLimit:  bytesLimit,
		version:     version,
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	if hit, ok := ba.templates.Lookup(key); ok {
		cached := hit.(*cachedTemplate)
		fresh := time.Since(cached.builtAt) < ba.cfg.CacheTimeout &&
			!ba.cfg.Source.LastUpdated().After(cached.poolStamp) &&
			!ba.unclesUpdated.After(cached.unclesStamp)
		if fresh {
			return cached.template, nil
		}
		ba.templates.Delete(key)
	}

	poolStamp := ba.cfg.Source.LastUpdated()
	template, err := ba.buildLocked(parent, bytesLimit, cyclesLimit,
		version)
	if err != nil {
		return nil, err
	}

	ba.templates.Add(key, &cachedTemplate{
		template:    template,
		builtAt:     time.Now(),
		poolStamp:   poolStamp,
		unclesStamp: ba.unclesUpdated,
	})

	return template, nil
}

// buildLocked assembles a fresh template on top of parent.
func (ba *BlockAssembler) buildLocked(parent *types.Header, bytesLimit,
	cyclesLimit uint64, version uint32) (*BlockTemplate, error) {

	ctx := context.Background()
	params := ba.cfg.Consensus
	number := parent.Number + 1

	epoch := ba.cfg.Chain.NextEpoch(parent)
	target := ba.cfg.Chain.NextCompactTarget(parent)
	uncles := ba.selectUnclesLocked(number, epoch, target)

	// The byte budget for committed transactions is what remains of the
	// block after the fixed parts: header, uncles and the proposal
	// section at its full configured width.
	overhead := blockOverhead(uncles, params.MaxBlockProposals)
	txBytes := bytesLimit
	if overhead >= txBytes {
		txBytes = 0
	} else {
		txBytes -= overhead
	}

	snapshot := ba.cfg.Source.ProposedSnapshot()
	scanner := NewCommitTxsScanner(snapshot)
	selected, usedBytes, usedCycles := scanner.Scan(txBytes, cyclesLimit)

	var fees uint64
	for _, entry := range selected {
		fees += entry.Fee
	}

	cellbase := ba.buildCellbase(number, fees)

	// Proposals exclude everything this template already commits.
	exclusion := make(map[types.ProposalShortID]struct{},
		len(selected))
	for _, entry := range selected {
		exclusion[entry.ID()] = struct{}{}
	}
	proposals := ba.cfg.Source.FillProposals(params.MaxBlockProposals,
		exclusion)

	txTemplates := buildTxTemplates(selected)

	txs := make([]*types.Transaction, 0, len(selected)+1)
	txs = append(txs, cellbase.Tx)
	for _, entry := range selected {
		txs = append(txs, entry.Tx)
	}

	template := &BlockTemplate{
		Version:          version,
		CompactTarget:    target,
		CurrentTime:      templateTimestamp(parent),
		Number:           number,
		Epoch:            epoch,
		ParentHash:       parent.Hash(),
		CyclesLimit:      cyclesLimit,
		BytesLimit:       bytesLimit,
		UnclesCountLimit: uint32(params.MaxUncles),
		Uncles:           uncles,
		Transactions:     txTemplates,
		Proposals:        proposals,
		Cellbase:         cellbase,
		WorkID:           ba.workID.Add(1),
		Dao:              ba.cfg.Chain.DaoField(parent, txs),
	}

	log.InfoS(ctx, "Assembled block template",
		"number", number,
		"parent", template.ParentHash,
		"txs", len(selected),
		"proposals", len(proposals),
		"uncles", len(uncles),
		"bytes", usedBytes,
		"cycles", usedCycles,
		"fees", fees,
		"work_id", template.WorkID)

	return template, nil
}

// selectUnclesLocked picks up to MaxUncles eligible candidates, lowest
// number first for determinism.
func (ba *BlockAssembler) selectUnclesLocked(number, epoch uint64,
	target uint32) []UncleTemplate {

	params := ba.cfg.Consensus
	max := params.MaxUncles
	if max == 0 || len(ba.candidateUncles) == 0 {
		return nil
	}

	eligible := make([]*types.UncleBlock, 0, len(ba.candidateUncles))
	for _, uncle := range ba.candidateUncles {
		// An uncle must share the candidate's epoch and difficulty,
		// be strictly older than the candidate block and not yet
		// finalized.
		if uncle.Header.Epoch != epoch ||
			uncle.Header.CompactTarget != target {

			continue
		}
		if uncle.Header.Number >= number {
			continue
		}
		if uncle.Header.Number+params.FinalizationDelay <= number {
			continue
		}
		eligible = append(eligible, uncle)
	}

	sortUncles(eligible)
	if len(eligible) > max {
		eligible = eligible[:max]
	}

	out := make([]UncleTemplate, len(eligible))
	for i, uncle := range eligible {
		out[i] = UncleTemplate{
			Header:    uncle.Header,
			Proposals: uncle.Proposals,
			Hash:      uncle.Hash(),
		}
	}
	return out
}

// buildCellbase generates the reward claim for the candidate block. Rewards
// mature over the finalization delay, so a young chain issues an outputless
// cellbase.
func (ba *BlockAssembler) buildCellbase(number,
	fees uint64) CellbaseTemplate {

	params := ba.cfg.Consensus

	tx := &types.Transaction{
		Version: 0,
		Inputs: []types.CellInput{{
			PreviousOutput: types.NullOutPoint(),
			Since:          number,
		}},
		// Placeholder for the miner lock witness, carried whether or
		// not the reward has matured.
		Witnesses: [][]byte{nil},
	}

	var reward uint64
	if number > params.FinalizationDelay {
		matured := number - params.FinalizationDelay
		reward = ba.cfg.Rewards.BlockReward(matured) + fees
		tx.Outputs = []types.CellOutput{{
			Capacity: reward,
		}}
		tx.OutputsData = [][]byte{nil}
	}

	return CellbaseTemplate{
		Tx:     tx,
		Hash:   tx.Hash(),
		Reward: reward,
	}
}

// buildTxTemplates wraps selected entries, resolving in-template parent
// indexes. The selection order is commitment-valid so every dependency
// resolves to a lower index.
func buildTxTemplates(selected []*mempool.TxEntry) []TxTemplate {
	if len(selected) == 0 {
		return nil
	}

	position := make(map[types.ProposalShortID]uint32, len(selected))
	for i, entry := range selected {
		// 1-based: the cellbase occupies index zero.
		position[entry.ID()] = uint32(i + 1)
	}

	out := make([]TxTemplate, len(selected))
	for i, entry := range selected {
		var depends []uint32
		seen := make(map[uint32]struct{})
		note := func(producer types.ProposalShortID) {
			idx, ok := position[producer]
			if !ok || idx == uint32(i+1) {
				return
			}
			if _, dup := seen[idx]; dup {
				return
			}
			seen[idx] = struct{}{}
			depends = append(depends, idx)
		}
		for _, in := range entry.Tx.Inputs {
			note(types.ShortIDFromHash(in.PreviousOutput.TxHash))
		}
		for _, dep := range entry.Tx.CellDeps {
			note(types.ShortIDFromHash(dep.OutPoint.TxHash))
		}
		slices.Sort(depends)

		out[i] = TxTemplate{
			Tx:      entry.Tx,
			Hash:    entry.Tx.Hash(),
			Cycles:  entry.Cycles,
			Depends: depends,
		}
	}
	return out
}

// blockOverhead estimates the non-transaction bytes of a candidate block.
func blockOverhead(uncles []UncleTemplate,
	maxProposals uint64) uint64 {

	var total uint64 = types.HeaderSize
	for i := range uncles {
		ub := types.UncleBlock{
			Header:    uncles[i].Header,
			Proposals: uncles[i].Proposals,
		}
		total += ub.SerializedSize()
	}
	total += maxProposals * types.ShortIDLen
	return total
}

// templateTimestamp picks the candidate timestamp: wall clock, clamped to
// strictly after the parent.
func templateTimestamp(parent *types.Header) uint64 {
	now := uint64(time.Now().UnixMilli())
	if now <= parent.Timestamp {
		now = parent.Timestamp + 1
	}
	return now
}

// sortUncles orders candidates by ascending number, then hash bytes.
func sortUncles(uncles []*types.UncleBlock) {
	sort.Slice(uncles, func(i, j int) bool {
		if uncles[i].Header.Number != uncles[j].Header.Number {
			return uncles[i].Header.Number < uncles[j].Header.Number
		}
		hi, hj := uncles[i].Hash(), uncles[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}