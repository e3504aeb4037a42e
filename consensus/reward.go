// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package consensus

const (
	// DefaultBaseReward is the issuance of the first reward era, in
	// shannons.
	DefaultBaseReward = 5_000_000_000

	// DefaultRewardEraLength is the number of blocks per reward era; the
	// base reward halves each era.
	DefaultRewardEraLength = 4_200_000
)

// HalvingRewards prices block issuance on a halving schedule.
type HalvingRewards struct {
	base uint64
	era  uint64
}

// NewHalvingRewards builds a schedule; zero arguments select the defaults.
func NewHalvingRewards(base, eraLength uint64) *HalvingRewards {
	if base == 0 {
		base = DefaultBaseReward
	}
	if eraLength == 0 {
		eraLength = DefaultRewardEraLength
	}
	return &HalvingRewards{base: base, era: eraLength}
}

// BlockReward returns the base issuance for the block at the given number.
func (r *HalvingRewards) BlockReward(number uint64) uint64 {
	era := number / r.era
	if era >= 64 {
		return 0
	}
	return r.base >> era
}
