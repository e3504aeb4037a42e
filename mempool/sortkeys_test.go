// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/celldag/celld/types"
)

func scoreKey(fee, weight, ancFee, ancWeight uint64,
	id byte) AncestorsScoreSortKey {

	var shortID types.ProposalShortID
	shortID[0] = id
	return AncestorsScoreSortKey{
		Fee:             fee,
		Weight:          weight,
		ID:              shortID,
		AncestorsFee:    ancFee,
		AncestorsWeight: ancWeight,
	}
}

func TestScoreKeyOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b AncestorsScoreSortKey
		want int
	}{{
		name: "higher ancestor rate wins",
		a:    scoreKey(10, 10, 30, 10, 1),
		b:    scoreKey(50, 10, 20, 10, 2),
		want: 1,
	}, {
		name: "equal ancestor rate falls to own rate",
		a:    scoreKey(40, 10, 20, 10, 1),
		b:    scoreKey(30, 10, 40, 20, 2),
		want: 1,
	}, {
		name: "full tie falls to id bytes",
		a:    scoreKey(10, 10, 20, 10, 1),
		b:    scoreKey(10, 10, 20, 10, 2),
		want: -1,
	}, {
		name: "identical keys compare equal",
		a:    scoreKey(10, 10, 20, 10, 7),
		b:    scoreKey(10, 10, 20, 10, 7),
		want: 0,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.want, test.a.Compare(&test.b))
			require.Equal(t, -test.want, test.b.Compare(&test.a))
		})
	}
}

// TestScoreKeyNoOverflow pins the cross-multiplication against products that
// overflow 64 bits, where a float or truncating division would misorder.
func TestScoreKeyNoOverflow(t *testing.T) {
	// a = (2^63+1)/2^63, b = (2^62+1)/2^62; b is larger by one part in
	// 2^62, far below float64 resolution at this magnitude.
	a := scoreKey(1, 1, 1<<63+1, 1<<63, 1)
	b := scoreKey(1, 1, 1<<62+1, 1<<62, 2)

	require.Equal(t, -1, a.Compare(&b))
	require.True(t, a.Less(&b))
}

// TestCmpRatioMatchesBigRat cross-checks the 128-bit comparison against
// arbitrary precision arithmetic.
func TestCmpRatioMatchesBigRat(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		aFee := rapid.Uint64().Draw(t, "aFee")
		aWeight := rapid.Uint64Range(1, 1<<62).Draw(t, "aWeight")
		bFee := rapid.Uint64().Draw(t, "bFee")
		bWeight := rapid.Uint64Range(1, 1<<62).Draw(t, "bWeight")

		got := cmpRatio(aFee, aWeight, bFee, bWeight)

		lhs := new(big.Rat).SetFrac(
			new(big.Int).SetUint64(aFee),
			new(big.Int).SetUint64(aWeight))
		rhs := new(big.Rat).SetFrac(
			new(big.Int).SetUint64(bFee),
			new(big.Int).SetUint64(bWeight))
		want := lhs.Cmp(rhs)

		if got != want {
			t.Fatalf("cmpRatio(%d/%d, %d/%d) = %d, want %d",
				aFee, aWeight, bFee, bWeight, got, want)
		}
	})
}

func TestEvictKeyOrdering(t *testing.T) {
	key := func(rate uint64, ts int64, descendants uint64,
		id byte) EvictKey {

		var shortID types.ProposalShortID
		shortID[0] = id
		return EvictKey{
			FeeRate:          rate,
			Timestamp:        ts,
			DescendantsCount: descendants,
			ID:               shortID,
		}
	}

	lowRate := key(10, 5, 1, 1)
	highRate := key(20, 1, 9, 2)
	require.True(t, lowRate.Less(&highRate))
	require.False(t, highRate.Less(&lowRate))

	older := key(10, 1, 1, 1)
	newer := key(10, 5, 1, 2)
	require.True(t, older.Less(&newer))

	fewer := key(10, 5, 1, 1)
	more := key(10, 5, 3, 2)
	require.True(t, fewer.Less(&more))

	lowID := key(10, 5, 1, 1)
	highID := key(10, 5, 1, 2)
	require.True(t, lowID.Less(&highID))
	require.False(t, lowID.Less(&lowID))
}
