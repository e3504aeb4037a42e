// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"math/bits"

	"github.com/celldag/celld/types"
)

// AncestorsScoreSortKey is the immutable ordering snapshot used to rank
// entries for block template selection. Higher keys are better candidates.
//
// The primary criterion is the ancestor-package fee rate, compared by
// 128-bit cross multiplication so that no rounding is introduced: a/b vs c/d
// is decided as a*d vs c*b.
type AncestorsScoreSortKey struct {
	Fee             uint64
	Weight          uint64
	ID              types.ProposalShortID
	AncestorsFee    uint64
	AncestorsWeight uint64
}

// Compare returns -1, 0 or 1 as k orders below, equal to or above other.
func (k *AncestorsScoreSortKey) Compare(other *AncestorsScoreSortKey) int {
	// Ancestor-package fee rate first.
	if c := cmpRatio(k.AncestorsFee, k.AncestorsWeight,
		other.AncestorsFee, other.AncestorsWeight); c != 0 {

		return c
	}

	// Then the entry's own fee rate.
	if c := cmpRatio(k.Fee, k.Weight, other.Fee, other.Weight); c != 0 {
		return c
	}

	// Deterministic final tie-break on id bytes.
	return bytes.Compare(k.ID[:], other.ID[:])
}

// Less reports whether k orders strictly below other.
func (k *AncestorsScoreSortKey) Less(other *AncestorsScoreSortKey) bool {
	return k.Compare(other) < 0
}

// cmpRatio compares aFee/aWeight against bFee/bWeight without division or
// floating point, using the full 128-bit products.
func cmpRatio(aFee, aWeight, bFee, bWeight uint64) int {
	lhsHi, lhsLo := bits.Mul64(aFee, bWeight)
	rhsHi, rhsLo := bits.Mul64(bFee, aWeight)

	switch {
	case lhsHi != rhsHi:
		if lhsHi < rhsHi {
			return -1
		}
		return 1
	case lhsLo != rhsLo:
		if lhsLo < rhsLo {
			return -1
		}
		return 1
	}
	return 0
}

// EvictKey is the immutable ordering snapshot used to pick eviction victims.
// The lowest key is evicted first: the worst of a pool over its resource
// ceiling is the entry whose best claim to fees, either its own rate or its
// descendant package's rate, is smallest. Ties fall to the oldest entry,
// then to the entry with fewer dependents so that eviction cascades stay
// small, and finally to id bytes so the order is total.
type EvictKey struct {
	FeeRate          uint64
	Timestamp        int64
	DescendantsCount uint64
	ID               types.ProposalShortID
}

// Less reports whether k is a worse keep-candidate than other, i.e. whether
// k should be evicted first.
func (k *EvictKey) Less(other *EvictKey) bool {
	if k.FeeRate != other.FeeRate {
		return k.FeeRate < other.FeeRate
	}
	if k.Timestamp != other.Timestamp {
		return k.Timestamp < other.Timestamp
	}
	if k.DescendantsCount != other.DescendantsCount {
		return k.DescendantsCount < other.DescendantsCount
	}
	return bytes.Compare(k.ID[:], other.ID[:]) < 0
}
