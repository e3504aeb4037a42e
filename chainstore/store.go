// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chainstore tracks the main chain state the pool and assembler
// resolve against: headers, the live cell set and the tip. Headers are
// optionally persisted to a leveldb database so a restarted node resumes
// from its last tip.
package chainstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/crypto/blake2b"

	"github.com/celldag/celld/types"
)

var (
	dbKeyTip          = []byte("tip")
	dbKeyHeaderPrefix = []byte{0x68, 0x64, 0x72, 0x00}

	// ErrNotExtendingTip is returned when an attached block's parent is
	// not the current tip.
	ErrNotExtendingTip = errors.New("block does not extend the current tip")

	// ErrNotTip is returned when a detached block is not the current tip.
	ErrNotTip = errors.New("block is not the current tip")
)

// spentCell is the undo record for one consumed cell.
type spentCell struct {
	op       types.OutPoint
	capacity uint64
}

// Config holds the construction parameters of a Store.
type Config struct {
	// Genesis is the chain's first block. Required unless a persisted
	// database already holds headers.
	Genesis *types.Block

	// DatabasePath, when non-empty, enables header persistence at the
	// given leveldb directory.
	DatabasePath string

	// EpochLength is the number of blocks per epoch; zero selects the
	// default.
	EpochLength uint64
}

// defaultEpochLength is the nominal number of blocks per epoch.
const defaultEpochLength = 1800

// Store is an in-memory main chain with optional header persistence. It
// satisfies the chain views of both the pool and the assembler.
type Store struct {
	epochLength uint64

	mu      sync.RWMutex
	tip     *types.Header
	headers map[chainhash.Hash]*types.Header
	numbers map[uint64]chainhash.Hash
	cells   map[types.OutPoint]uint64

	// undo keeps per-block spent cell records so DetachBlock can restore
	// them.
	undo map[chainhash.Hash][]spentCell

	db *leveldb.DB
}

// NewStore opens a store, replaying persisted headers when a database path
// is configured, otherwise starting from the genesis block.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chainstore config cannot be nil")
	}

	s := &Store{
		epochLength: cfg.EpochLength,
		headers:     make(map[chainhash.Hash]*types.Header),
		numbers:     make(map[uint64]chainhash.Hash),
		cells:       make(map[types.OutPoint]uint64),
		undo:        make(map[chainhash.Hash][]spentCell),
	}
	if s.epochLength == 0 {
		s.epochLength = defaultEpochLength
	}

	if cfg.DatabasePath != "" {
		db, err := leveldb.OpenFile(cfg.DatabasePath, nil)
		if err != nil {
			return nil, fmt.Errorf("unable to open chain db: %w",
				err)
		}
		s.db = db

		if err := s.loadHeaders(); err != nil {
			db.Close()
			return nil, err
		}
	}

	if s.tip == nil {
		if cfg.Genesis == nil {
			return nil, fmt.Errorf("genesis block is required")
		}
		if err := s.attachLocked(cfg.Genesis, true); err != nil {
			return nil, err
		}
	}

	log.InfoS(context.Background(), "Chain store ready",
		"tip", s.tip.Hash(),
		"number", s.tip.Number)

	return s, nil
}

// Close releases the underlying database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// loadHeaders replays the persisted header set and tip.
func (s *Store) loadHeaders() error {
	iter := s.db.NewIterator(ldbutil.BytesPrefix(dbKeyHeaderPrefix), nil)
	for iter.Next() {
		header, err := types.DeserializeHeader(iter.Value())
		if err != nil {
			iter.Release()
			return err
		}
		s.headers[header.Hash()] = header
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	tipBytes, err := s.db.Get(dbKeyTip, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var tipHash chainhash.Hash
	copy(tipHash[:], tipBytes)
	tip, ok := s.headers[tipHash]
	if !ok {
		return fmt.Errorf("persisted tip %v has no header", tipHash)
	}
	s.tip = tip

	// Rebuild the main chain number index by walking back from the tip.
	for h := tip; ; {
		s.numbers[h.Number] = h.Hash()
		if h.Number == 0 {
			break
		}
		parent, ok := s.headers[h.ParentHash]
		if !ok {
			return fmt.Errorf("missing parent %v at height %d",
				h.ParentHash, h.Number-1)
		}
		h = parent
	}
	return nil
}

// AttachBlock extends the main chain with block, consuming the cells its
// transactions spend and creating the cells they produce.
func (s *Store) AttachBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attachLocked(block, false)
}

func (s *Store) attachLocked(block *types.Block, genesis bool) error {
	header := block.Header
	if !genesis {
		if s.tip == nil || header.ParentHash != s.tip.Hash() {
			return fmt.Errorf("%w: parent %v", ErrNotExtendingTip,
				header.ParentHash)
		}
	}

	hash := header.Hash()
	var spent []spentCell
	for i, tx := range block.Transactions {
		if i > 0 {
			for _, in := range tx.Inputs {
				op := in.PreviousOutput
				capacity, live := s.cells[op]
				if !live {
					return fmt.Errorf("block %v spends "+
						"dead cell %v", hash, op)
				}
				spent = append(spent, spentCell{
					op:       op,
					capacity: capacity,
				})
				delete(s.cells, op)
			}
		}
		txHash := tx.Hash()
		for idx, out := range tx.Outputs {
			s.cells[types.OutPoint{
				TxHash: txHash,
				Index:  uint32(idx),
			}] = out.Capacity
		}
	}

	s.headers[hash] = header
	s.numbers[header.Number] = hash
	s.tip = header
	s.undo[hash] = spent

	if err := s.persistTipLocked(header); err != nil {
		return err
	}

	log.DebugS(context.Background(), "Attached block",
		"hash", hash,
		"number", header.Number,
		"txs", len(block.Transactions))

	return nil
}

// DetachBlock rolls the tip back below block, restoring the cells it spent
// and retiring the cells it created.
func (s *Store) DetachBlock(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header := block.Header
	hash := header.Hash()
	if s.tip == nil || s.tip.Hash() != hash {
		return fmt.Errorf("%w: %v", ErrNotTip, hash)
	}
	parent, ok := s.headers[header.ParentHash]
	if !ok {
		return fmt.Errorf("missing parent header %v",
			header.ParentHash)
	}

	for _, tx := range block.Transactions {
		txHash := tx.Hash()
		for idx := range tx.Outputs {
			delete(s.cells, types.OutPoint{
				TxHash: txHash,
				Index:  uint32(idx),
			})
		}
	}
	for _, cell := range s.undo[hash] {
		s.cells[cell.op] = cell.capacity
	}
	delete(s.undo, hash)

	delete(s.headers, hash)
	delete(s.numbers, header.Number)
	s.tip = parent

	if s.db != nil {
		batch := new(leveldb.Batch)
		batch.Delete(headerKey(hash))
		tipHash := parent.Hash()
		batch.Put(dbKeyTip, tipHash[:])
		if err := s.db.Write(batch, nil); err != nil {
			return err
		}
	}

	log.DebugS(context.Background(), "Detached block",
		"hash", hash,
		"number", header.Number)

	return nil
}

func (s *Store) persistTipLocked(header *types.Header) error {
	if s.db == nil {
		return nil
	}
	hash := header.Hash()
	batch := new(leveldb.Batch)
	batch.Put(headerKey(hash), header.Serialize())
	batch.Put(dbKeyTip, hash[:])
	return s.db.Write(batch, nil)
}

func headerKey(hash chainhash.Hash) []byte {
	key := make([]byte, 0, len(dbKeyHeaderPrefix)+len(hash))
	key = append(key, dbKeyHeaderPrefix...)
	return append(key, hash[:]...)
}

// Tip returns the current best header.
func (s *Store) Tip() *types.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tip
}

// CellIsLive reports whether the out-point names a live cell.
func (s *Store) CellIsLive(op types.OutPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, live := s.cells[op]
	return live
}

// CellCapacity returns the capacity of a live cell.
func (s *Store) CellCapacity(op types.OutPoint) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capacity, live := s.cells[op]
	return capacity, live
}

// HeaderExists reports whether the hash names a main chain header.
func (s *Store) HeaderExists(hash chainhash.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.headers[hash]
	if !ok {
		return false
	}
	return s.numbers[header.Number] == hash
}

// Header returns a main chain header by hash.
func (s *Store) Header(hash chainhash.Hash) (*types.Header, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.headers[hash]
	return header, ok
}

// NextEpoch returns the epoch of a block extending parent.
func (s *Store) NextEpoch(parent *types.Header) uint64 {
	return (parent.Number + 1) / s.epochLength
}

// NextCompactTarget returns the difficulty target of a block extending
// parent. Difficulty retargeting is out of scope here; the parent's target
// carries forward.
func (s *Store) NextCompactTarget(parent *types.Header) uint32 {
	return parent.CompactTarget
}

// DaoField folds the candidate transactions into the parent's accounting
// commitment.
func (s *Store) DaoField(parent *types.Header,
	txs []*types.Transaction) [32]byte {

	hasher, _ := blake2b.New256(nil)
	hasher.Write(parent.Dao[:])

	var numBuf [8]byte
	binary.LittleEndian.PutUint64(numBuf[:], parent.Number+1)
	hasher.Write(numBuf[:])

	for _, tx := range txs {
		hash := tx.Hash()
		hasher.Write(hash[:])
	}

	var dao [32]byte
	copy(dao[:], hasher.Sum(nil))
	return dao
}
