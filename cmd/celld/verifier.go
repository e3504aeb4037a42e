// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/celldag/celld/chainstore"
	"github.com/celldag/celld/mempool"
	"github.com/celldag/celld/types"
)

// cyclesPerInput is the flat execution cost charged per consumed cell.
// Full script execution lives behind the verifier boundary; this build
// prices inputs uniformly.
const cyclesPerInput = 1_000_000

// capacityVerifier checks capacity conservation against the live cell set
// and derives the fee as the input/output capacity difference.
type capacityVerifier struct {
	store *chainstore.Store
	pool  *mempool.TxPool
}

// VerifyTransaction prices tx against the current chain snapshot. Inputs
// not found on chain resolve through the pool's unconfirmed outputs.
func (v *capacityVerifier) VerifyTransaction(tx *types.Transaction,
	tip *types.Header) (uint64, uint64, error) {

	var inputCapacity uint64
	for _, in := range tx.Inputs {
		op := in.PreviousOutput
		capacity, live := v.store.CellCapacity(op)
		if !live {
			parent, ok := v.pool.FetchTransaction(op.TxHash)
			if !ok || op.Index >= uint32(len(parent.Outputs)) {
				return 0, 0, fmt.Errorf(
					"input cell %v not found", op)
			}
			capacity = parent.Outputs[op.Index].Capacity
		}
		inputCapacity += capacity
	}

	var outputCapacity uint64
	for _, out := range tx.Outputs {
		outputCapacity += out.Capacity
	}
	if outputCapacity > inputCapacity {
		return 0, 0, fmt.Errorf("outputs claim %d but inputs "+
			"provide only %d", outputCapacity, inputCapacity)
	}

	cycles := uint64(len(tx.Inputs)) * cyclesPerInput
	fee := inputCapacity - outputCapacity
	return cycles, fee, nil
}
