// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
)

const (
	// ShortIDLen is the length in bytes of a proposal short id.
	ShortIDLen = 10

	// nullOutPointIndex marks the cellbase input, which consumes no cell.
	nullOutPointIndex = math.MaxUint32
)

// OutPoint identifies a single cell as the pair of the transaction that
// created it and the output index within that transaction.
type OutPoint struct {
	TxHash chainhash.Hash
	Index  uint32
}

// IsNull returns whether the out-point is the cellbase marker that consumes
// no cell.
func (op *OutPoint) IsNull() bool {
	return op.Index == nullOutPointIndex && op.TxHash == chainhash.Hash{}
}

// NullOutPoint returns the out-point used by cellbase inputs.
func NullOutPoint() OutPoint {
	return OutPoint{Index: nullOutPointIndex}
}

// String returns the out-point in hash:index form for logging.
func (op OutPoint) String() string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], op.Index)
	return op.TxHash.String() + ":" + hex.EncodeToString(buf[:])
}

// CellInput consumes a live cell. Since encodes the transaction's relative or
// absolute maturity constraint and is opaque to the pool.
type CellInput struct {
	PreviousOutput OutPoint
	Since          uint64
}

// CellOutput creates a new cell with the given capacity, locked by the script
// identified by LockHash. Script bodies live outside this core; the pool and
// assembler only ever need the hash.
type CellOutput struct {
	Capacity uint64
	LockHash chainhash.Hash
}

// CellDep references a cell the transaction depends on without consuming it,
// typically carrying code or shared data. DepGroup marks a dep whose cell
// expands to a vector of further out-points during resolution.
type CellDep struct {
	OutPoint OutPoint
	DepGroup bool
}

// Transaction is the cell-model transaction. All slices are treated as
// immutable once the transaction has been handed to the pool.
type Transaction struct {
	Version     uint32
	CellDeps    []CellDep
	HeaderDeps  []chainhash.Hash
	Inputs      []CellInput
	Outputs     []CellOutput
	OutputsData [][]byte
	Witnesses   [][]byte

	// cachedHash and cachedSize are populated on first use. A transaction
	// must not be mutated after either accessor has been called.
	cachedHash *chainhash.Hash
	cachedSize uint64
}

// Hash returns the blake2b-256 hash of the serialized transaction, computing
// and caching it on first call.
func (tx *Transaction) Hash() chainhash.Hash {
	if tx.cachedHash == nil {
		raw := tx.serialize()
		sum := blake2b.Sum256(raw)
		h := chainhash.Hash(sum)
		tx.cachedHash = &h
		tx.cachedSize = uint64(len(raw))
	}
	return *tx.cachedHash
}

// SerializedSize returns the byte length of the serialized transaction.
func (tx *Transaction) SerializedSize() uint64 {
	if tx.cachedHash == nil {
		tx.Hash()
	}
	return tx.cachedSize
}

// ProposalShortID returns the pool's primary key for this transaction: the
// first ten bytes of its hash.
func (tx *Transaction) ProposalShortID() ProposalShortID {
	return ShortIDFromHash(tx.Hash())
}

// IsCellbase returns whether the transaction is a block reward transaction,
// recognized by its single null input.
func (tx *Transaction) IsCellbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PreviousOutput.IsNull()
}

// OutPointAt returns the out-point naming output i of this transaction.
func (tx *Transaction) OutPointAt(i uint32) OutPoint {
	return OutPoint{TxHash: tx.Hash(), Index: i}
}

// serialize produces the canonical little-endian encoding. The exact layout
// only needs to be deterministic and collision-free for hashing and size
// accounting; the wire codec for relay lives outside this core.
func (tx *Transaction) serialize() []byte {
	var buf bytes.Buffer

	writeU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeU64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}

	writeU32(tx.Version)

	writeU32(uint32(len(tx.CellDeps)))
	for _, dep := range tx.CellDeps {
		buf.Write(dep.OutPoint.TxHash[:])
		writeU32(dep.OutPoint.Index)
		if dep.DepGroup {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	writeU32(uint32(len(tx.HeaderDeps)))
	for i := range tx.HeaderDeps {
		buf.Write(tx.HeaderDeps[i][:])
	}

	writeU32(uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf.Write(in.PreviousOutput.TxHash[:])
		writeU32(in.PreviousOutput.Index)
		writeU64(in.Since)
	}

	writeU32(uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		writeU64(out.Capacity)
		buf.Write(out.LockHash[:])
	}

	writeU32(uint32(len(tx.OutputsData)))
	for _, d := range tx.OutputsData {
		writeU32(uint32(len(d)))
		buf.Write(d)
	}

	writeU32(uint32(len(tx.Witnesses)))
	for _, w := range tx.Witnesses {
		writeU32(uint32(len(w)))
		buf.Write(w)
	}

	return buf.Bytes()
}

// ProposalShortID is the compact transaction identifier used throughout the
// pool and in block proposal fields.
type ProposalShortID [ShortIDLen]byte

// ShortIDFromHash derives the short id from a full transaction hash.
func ShortIDFromHash(hash chainhash.Hash) ProposalShortID {
	var id ProposalShortID
	copy(id[:], hash[:ShortIDLen])
	return id
}

// String returns the short id as a hex string.
func (id ProposalShortID) String() string {
	return hex.EncodeToString(id[:])
}
