// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mining

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/celldag/celld/types"
)

// TxTemplate is one committed transaction in a block template together with
// the metadata a miner needs to validate or reorder-check it.
type TxTemplate struct {
	// Tx is the transaction. Shared with the pool snapshot, never
	// mutated.
	Tx *types.Transaction

	// Hash is the transaction hash.
	Hash chainhash.Hash

	// Cycles is the verified execution cost.
	Cycles uint64

	// Depends holds the indexes within the template's Transactions slice
	// of every in-template parent, so commitment ordering can be checked
	// without re-resolving inputs. Indexes are 1-based: the cellbase at
	// position zero can never be a dependency.
	Depends []uint32
}

// UncleTemplate is one uncle candidate embedded in a template.
type UncleTemplate struct {
	// Header is the uncle's header.
	Header *types.Header

	// Proposals are the uncle's proposal short ids; they count toward
	// the proposal window like the template's own.
	Proposals []types.ProposalShortID

	// Hash is the uncle header's hash.
	Hash chainhash.Hash
}

// CellbaseTemplate is the template's generated cellbase transaction.
type CellbaseTemplate struct {
	// Tx is the cellbase transaction.
	Tx *types.Transaction

	// Hash is its transaction hash.
	Hash chainhash.Hash

	// Reward is the total capacity claimed: the matured base reward plus
	// the committed transactions' fees.
	Reward uint64
}

// BlockTemplate is the artifact handed to a miner: a fully assembled
// candidate block minus the proof of work. All fields are immutable once the
// template is returned; the assembler builds a fresh template rather than
// mutating a cached one.
type BlockTemplate struct {
	Version          uint32
	CompactTarget    uint32
	CurrentTime      uint64
	Number           uint64
	Epoch            uint64
	ParentHash       chainhash.Hash
	CyclesLimit      uint64
	BytesLimit       uint64
	UnclesCountLimit uint32

	Uncles       []UncleTemplate
	Transactions []TxTemplate
	Proposals    []types.ProposalShortID
	Cellbase     CellbaseTemplate

	// WorkID distinguishes templates built for the same tip.
	WorkID uint64

	// Dao is the chain accounting field for the candidate block.
	Dao [32]byte
}

// TotalCycles returns the cumulative execution cost of the committed
// transactions.
func (t *BlockTemplate) TotalCycles() uint64 {
	var total uint64
	for i := range t.Transactions {
		total += t.Transactions[i].Cycles
	}
	return total
}

// Block materializes the template into a block with the given nonce. The
// header commits to the template's timestamp and parent; roots are left for
// the consensus layer to seal.
func (t *BlockTemplate) Block(nonce [16]byte) *types.Block {
	header := &types.Header{
		Version:       t.Version,
		CompactTarget: t.CompactTarget,
		Timestamp:     t.CurrentTime,
		Number:        t.Number,
		Epoch:         t.Epoch,
		ParentHash:    t.ParentHash,
		Dao:           t.Dao,
		Nonce:         nonce,
	}

	txs := make([]*types.Transaction, 0, len(t.Transactions)+1)
	txs = append(txs, t.Cellbase.Tx)
	for i := range t.Transactions {
		txs = append(txs, t.Transactions[i].Tx)
	}

	uncles := make([]*types.UncleBlock, 0, len(t.Uncles))
	for i := range t.Uncles {
		uncles = append(uncles, &types.UncleBlock{
			Header:    t.Uncles[i].Header,
			Proposals: t.Uncles[i].Proposals,
		})
	}

	return &types.Block{
		Header:       header,
		Uncles:       uncles,
		Transactions: txs,
		Proposals:    t.Proposals,
	}
}
