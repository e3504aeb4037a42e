// Copyright (c) 2025 The celld developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/celldag/celld/chainstore"
	"github.com/celldag/celld/consensus"
	"github.com/celldag/celld/mempool"
	"github.com/celldag/celld/mining"
	"github.com/celldag/celld/types"
)

// celldMain is the real main function for celld. It is separated so the
// deferred cleanup runs before os.Exit.
func celldMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	defer logRotator.Close()
	setLogLevels(cfg.DebugLevel)

	ctx := context.Background()
	celdLog.InfoS(ctx, "Starting celld", "version", version())

	params := consensus.DefaultParams()

	storeCfg := &chainstore.Config{
		Genesis: genesisBlock(),
	}
	if !cfg.NoDatabase {
		storeCfg.DatabasePath = filepath.Join(cfg.DataDir, "chain")
	}
	store, err := chainstore.NewStore(storeCfg)
	if err != nil {
		return err
	}
	defer store.Close()

	verifier := &capacityVerifier{store: store}
	pool, err := mempool.New(&mempool.Config{
		Consensus:     params,
		Chain:         store,
		Verifier:      verifier,
		MaxPoolSize:   cfg.MaxPoolSize,
		MaxPoolCycles: cfg.MaxPoolCycles,
	})
	if err != nil {
		return err
	}
	verifier.pool = pool

	assembler, err := mining.NewBlockAssembler(&mining.AssemblerConfig{
		Consensus:    params,
		Chain:        store,
		Source:       pool,
		Rewards:      consensus.NewHalvingRewards(0, 0),
		CacheTimeout: cfg.TemplateRefresh,
	})
	if err != nil {
		return err
	}

	celdLog.InfoS(ctx, "Node ready",
		"tip", store.Tip().Hash(),
		"number", store.Tip().Number)

	// Periodically refresh the template until shutdown so miners polling
	// for work always find a warm cache.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, err := assembler.GetBlockTemplate(0, 0,
				params.Version)
			if err != nil {
				celdLog.WarnS(ctx, "Template refresh failed",
					err)
			}
		case sig := <-interrupt:
			celdLog.InfoS(ctx, "Shutting down", "signal", sig)
			return nil
		}
	}
}

// genesisBlock builds the chain's first block: a lone cellbase with no
// spendable outputs.
func genesisBlock() *types.Block {
	cellbase := &types.Transaction{
		Version: 0,
		Inputs: []types.CellInput{{
			PreviousOutput: types.NullOutPoint(),
		}},
	}
	return &types.Block{
		Header: &types.Header{
			Version:       0,
			CompactTarget: 0x1d00ffff,
			Timestamp:     1700000000000,
			Number:        0,
			Epoch:         0,
		},
		Transactions: []*types.Transaction{cellbase},
	}
}

func main() {
	if err := celldMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
