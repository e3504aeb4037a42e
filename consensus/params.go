// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package consensus holds the chain constants consumed by the transaction
// pool and block assembler: block budgets, the two-phase proposal window and
// the cellbase finalization delay.
package consensus

const (
	// DefaultMaxBlockBytes is the serialized byte budget for a block.
	DefaultMaxBlockBytes = 597_000

	// DefaultMaxBlockCycles is the execution cycle budget for all
	// transactions committed in one block.
	DefaultMaxBlockCycles = 3_500_000_000

	// DefaultMaxBlockProposals bounds the proposals field of a block.
	DefaultMaxBlockProposals = 1_500

	// DefaultMaxUncles bounds the number of uncles embedded in a block.
	DefaultMaxUncles = 2

	// DefaultFinalizationDelay is the number of blocks before the chain
	// starts paying out block rewards. Until a candidate block's number
	// exceeds it, the cellbase carries no output.
	DefaultFinalizationDelay = 11

	// bytesPerCycleNum/bytesPerCycleDen scale execution cycles into byte
	// equivalents for the transaction weight function. Integer arithmetic
	// keeps weight, and therefore every fee rate derived from it,
	// deterministic across platforms.
	bytesPerCycleNum = 171
	bytesPerCycleDen = 1_000_000
)

// ProposalWindow is the block-height offset range [closest, farthest] within
// which a proposed transaction may be committed. A transaction proposed at
// height H becomes committable at H+closest and expires after H+farthest.
type ProposalWindow struct {
	closest  uint64
	farthest uint64
}

// NewProposalWindow builds a window; closest must not exceed farthest.
func NewProposalWindow(closest, farthest uint64) ProposalWindow {
	if closest > farthest {
		panic("consensus: proposal window closest exceeds farthest")
	}
	return ProposalWindow{closest: closest, farthest: farthest}
}

// Closest returns the minimum offset between proposal and commitment.
func (w ProposalWindow) Closest() uint64 { return w.closest }

// Farthest returns the maximum offset between proposal and commitment.
func (w ProposalWindow) Farthest() uint64 { return w.farthest }

// Params collects the consensus constants the pool core depends on.
type Params struct {
	// Version is the block version the assembler stamps into templates.
	Version uint32

	// MaxBlockBytes is the serialized size budget for a full block.
	MaxBlockBytes uint64

	// MaxBlockCycles is the execution cycle budget for a full block.
	MaxBlockCycles uint64

	// MaxBlockProposals bounds the block proposals field.
	MaxBlockProposals uint64

	// MaxUncles bounds the uncle list of a block.
	MaxUncles int

	// FinalizationDelay is the cellbase maturity in blocks.
	FinalizationDelay uint64

	// TxProposalWindow is the propose-then-commit window.
	TxProposalWindow ProposalWindow
}

// DefaultParams returns mainnet-shaped parameters.
func DefaultParams() *Params {
	return &Params{
		Version:           0,
		MaxBlockBytes:     DefaultMaxBlockBytes,
		MaxBlockCycles:    DefaultMaxBlockCycles,
		MaxBlockProposals: DefaultMaxBlockProposals,
		MaxUncles:         DefaultMaxUncles,
		FinalizationDelay: DefaultFinalizationDelay,
		TxProposalWindow:  NewProposalWindow(2, 10),
	}
}

// TxWeight is the unit transactions are ranked by: the larger of the
// serialized size and the byte equivalent of the verification cycles. Fee
// rates throughout the pool are fees divided by this weight.
func TxWeight(size, cycles uint64) uint64 {
	scaled := cycles * bytesPerCycleNum / bytesPerCycleDen
	if size > scaled {
		return size
	}
	return scaled
}
