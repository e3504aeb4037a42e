// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxWeight(t *testing.T) {
	// Size dominates small cycle counts.
	require.Equal(t, uint64(500), TxWeight(500, 1_000_000))

	// Heavy verification outweighs the serialized size.
	require.Equal(t, uint64(17_100), TxWeight(500, 100_000_000))

	require.Zero(t, TxWeight(0, 0))
	require.Equal(t, uint64(1), TxWeight(1, 0))
}

func TestProposalWindow(t *testing.T) {
	w := NewProposalWindow(2, 10)
	require.Equal(t, uint64(2), w.Closest())
	require.Equal(t, uint64(10), w.Farthest())

	require.Panics(t, func() { NewProposalWindow(5, 4) })
}

func TestDefaultParams(t *testing.T) {
	params := DefaultParams()
	require.Equal(t, uint64(DefaultMaxBlockBytes), params.MaxBlockBytes)
	require.Equal(t, uint64(DefaultFinalizationDelay),
		params.FinalizationDelay)
	require.Equal(t, uint64(2), params.TxProposalWindow.Closest())
	require.Equal(t, uint64(10), params.TxProposalWindow.Farthest())
}

func TestHalvingRewards(t *testing.T) {
	rewards := NewHalvingRewards(1000, 100)

	require.Equal(t, uint64(1000), rewards.BlockReward(0))
	require.Equal(t, uint64(1000), rewards.BlockReward(99))
	require.Equal(t, uint64(500), rewards.BlockReward(100))
	require.Equal(t, uint64(250), rewards.BlockReward(200))

	// Issuance bottoms out at zero after 64 eras.
	require.Zero(t, rewards.BlockReward(64*100))

	defaults := NewHalvingRewards(0, 0)
	require.Equal(t, uint64(DefaultBaseReward), defaults.BlockReward(0))
	require.Equal(t, uint64(DefaultBaseReward/2),
		defaults.BlockReward(DefaultRewardEraLength))
}
