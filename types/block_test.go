// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package types

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestHeaderSerializeRoundTrip(t *testing.T) {
	header := &Header{
		Version:       3,
		CompactTarget: 0x1d00ffff,
		Timestamp:     1700000000123,
		Number:        42,
		Epoch:         7,
		ParentHash:    chainhash.Hash{1, 2, 3},
		TxsRoot:       chainhash.Hash{4},
		ProposalsRoot: chainhash.Hash{5},
		UnclesHash:    chainhash.Hash{6},
		Dao:           [32]byte{9, 9},
		Nonce:         [16]byte{0xaa},
	}

	raw := header.Serialize()
	require.Len(t, raw, HeaderSize)

	decoded, err := DeserializeHeader(raw)
	require.NoError(t, err)
	require.Equal(t, header.Hash(), decoded.Hash())
	require.Equal(t, header.Number, decoded.Number)
	require.Equal(t, header.Dao, decoded.Dao)

	_, err = DeserializeHeader(raw[:HeaderSize-1])
	require.Error(t, err)
}

func TestHeaderHashCached(t *testing.T) {
	a := &Header{Number: 1}
	b := &Header{Number: 2}

	require.Equal(t, a.Hash(), a.Hash())
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestUncleSerializedSize(t *testing.T) {
	uncle := &UncleBlock{
		Header:    &Header{Number: 3},
		Proposals: []ProposalShortID{{1}, {2}, {3}},
	}

	require.Equal(t, uint64(HeaderSize+3*ShortIDLen),
		uncle.SerializedSize())
	require.Equal(t, uncle.Header.Hash(), uncle.Hash())
}

func TestBlockCellbase(t *testing.T) {
	empty := &Block{Header: &Header{}}
	require.Nil(t, empty.Cellbase())

	cellbase := &Transaction{
		Inputs: []CellInput{{PreviousOutput: NullOutPoint()}},
	}
	block := &Block{
		Header:       &Header{Number: 1},
		Transactions: []*Transaction{cellbase},
	}
	require.Same(t, cellbase, block.Cellbase())
	require.Equal(t, block.Header.Hash(), block.Hash())
}
