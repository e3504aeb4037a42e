// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/celldag/celld/types"
)

// Verifier validates a candidate transaction against the current chain
// snapshot and prices its execution. Script and consensus verification live
// behind this interface and are outside the pool core.
type Verifier interface {
	// VerifyTransaction returns the execution cycle count and the fee of
	// the transaction, or a typed rejection. The pool treats any error
	// as final for this submission. The call is made without pool locks
	// held; implementations may query the pool.
	VerifyTransaction(tx *types.Transaction, tip *types.Header) (cycles,
		fee uint64, err error)
}

// ChainView is the read-only view of chain state the pool resolves
// transactions against.
type ChainView interface {
	// Tip returns the current best header. Never nil once the store has
	// its genesis.
	Tip() *types.Header

	// CellIsLive reports whether the out-point names a live (unspent,
	// committed) cell on the current chain.
	CellIsLive(op types.OutPoint) bool

	// HeaderExists reports whether the hash names a header on the
	// current main chain, for header-dependency resolution.
	HeaderExists(hash chainhash.Hash) bool
}

// Notifier receives admission outcomes. All callbacks run on the pool's
// mutation path and must not block.
type Notifier interface {
	// TransactionAccepted fires after an entry settles into Pending.
	TransactionAccepted(entry *TxEntry)

	// TransactionRejected fires for failed submissions and for pooled
	// transactions removed as conflict or eviction casualties.
	TransactionRejected(tx *types.Transaction, reason error)
}
