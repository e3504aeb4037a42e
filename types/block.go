// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/blake2b"
)

// Header is the block header of the cell-model chain. Dao carries the
// accumulated issuance/occupancy commitment and is treated as opaque by the
// pool and assembler.
type Header struct {
	Version       uint32
	CompactTarget uint32
	Timestamp     uint64
	Number        uint64
	Epoch         uint64
	ParentHash    chainhash.Hash
	TxsRoot       chainhash.Hash
	ProposalsRoot chainhash.Hash
	UnclesHash    chainhash.Hash
	Dao           [32]byte
	Nonce         [16]byte

	cachedHash *chainhash.Hash
}

// Hash returns the blake2b-256 hash of the serialized header, cached on
// first call. Headers must not be mutated afterwards.
func (h *Header) Hash() chainhash.Hash {
	if h.cachedHash == nil {
		sum := blake2b.Sum256(h.serialize())
		hash := chainhash.Hash(sum)
		h.cachedHash = &hash
	}
	return *h.cachedHash
}

func (h *Header) serialize() []byte {
	var buf bytes.Buffer

	var b8 [8]byte
	var b4 [4]byte

	binary.LittleEndian.PutUint32(b4[:], h.Version)
	buf.Write(b4[:])
	binary.LittleEndian.PutUint32(b4[:], h.CompactTarget)
	buf.Write(b4[:])
	binary.LittleEndian.PutUint64(b8[:], h.Timestamp)
	buf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], h.Number)
	buf.Write(b8[:])
	binary.LittleEndian.PutUint64(b8[:], h.Epoch)
	buf.Write(b8[:])
	buf.Write(h.ParentHash[:])
	buf.Write(h.TxsRoot[:])
	buf.Write(h.ProposalsRoot[:])
	buf.Write(h.UnclesHash[:])
	buf.Write(h.Dao[:])
	buf.Write(h.Nonce[:])

	return buf.Bytes()
}

// Serialize returns the canonical little-endian encoding of the header.
func (h *Header) Serialize() []byte {
	return h.serialize()
}

// HeaderSize is the fixed byte length of a serialized header.
const HeaderSize = 4 + 4 + 8 + 8 + 8 + 32 + 32 + 32 + 32 + 32 + 16

// DeserializeHeader decodes a header from its canonical encoding.
func DeserializeHeader(data []byte) (*Header, error) {
	if len(data) != HeaderSize {
		return nil, fmt.Errorf("malformed header: %d bytes, want %d",
			len(data), HeaderSize)
	}

	h := &Header{}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	h.CompactTarget = binary.LittleEndian.Uint32(data[4:8])
	h.Timestamp = binary.LittleEndian.Uint64(data[8:16])
	h.Number = binary.LittleEndian.Uint64(data[16:24])
	h.Epoch = binary.LittleEndian.Uint64(data[24:32])
	copy(h.ParentHash[:], data[32:64])
	copy(h.TxsRoot[:], data[64:96])
	copy(h.ProposalsRoot[:], data[96:128])
	copy(h.UnclesHash[:], data[128:160])
	copy(h.Dao[:], data[160:192])
	copy(h.Nonce[:], data[192:208])
	return h, nil
}

// UncleBlock is an uncle candidate embedded into a block: its header plus
// the proposal ids it carried. Uncle bodies are never included.
type UncleBlock struct {
	Header    *Header
	Proposals []ProposalShortID
}

// Hash returns the uncle's header hash.
func (u *UncleBlock) Hash() chainhash.Hash {
	return u.Header.Hash()
}

// SerializedSize returns the byte length the uncle contributes to a block.
func (u *UncleBlock) SerializedSize() uint64 {
	return uint64(len(u.Header.serialize())) +
		uint64(len(u.Proposals))*ShortIDLen
}

// Block bundles a header with its uncles, transactions and proposal ids.
// Transactions[0] is always the cellbase.
type Block struct {
	Header       *Header
	Uncles       []*UncleBlock
	Transactions []*Transaction
	Proposals    []ProposalShortID
}

// Hash returns the block's header hash.
func (b *Block) Hash() chainhash.Hash {
	return b.Header.Hash()
}

// Cellbase returns the block reward transaction, or nil for an empty block.
func (b *Block) Cellbase() *Transaction {
	if len(b.Transactions) == 0 {
		return nil
	}
	return b.Transactions[0]
}
