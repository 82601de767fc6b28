// Package node wires storage, the chain db and the syncer into a runnable
// unit.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/tesseralabs/tessera/chain"
	"github.com/tesseralabs/tessera/chainsync"
	"github.com/tesseralabs/tessera/config"
	"github.com/tesseralabs/tessera/genesis"
	"github.com/tesseralabs/tessera/index"
	"github.com/tesseralabs/tessera/storage"
	"github.com/tesseralabs/tessera/storage/memory"
	"github.com/tesseralabs/tessera/storage/pebbledb"
	"github.com/tesseralabs/tessera/types"
)

// Node owns the storage handles and the chain db.
type Node struct {
	cfg    *config.Config
	db     *chain.ChainDb
	syncer *chainsync.Syncer
	logger *slog.Logger

	blockstore storage.Blockstore
	indexDb    index.Db
	closers    []func() error
}

// Config holds node construction parameters.
type Config struct {
	Settings *config.Config
	Fetcher  chainsync.TipsetFetcher
	Logger   *slog.Logger
}

// New creates a node: opens (or creates) storage and initializes the chain
// db. A fresh genesis, when configured, is built by Start.
func New(ctx context.Context, cfg Config) (*Node, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{cfg: settings, logger: logger}

	if settings.DataDir == "" {
		n.blockstore = memory.New()
		n.indexDb = index.NewMemoryDb()
	} else {
		bs, err := pebbledb.Open(filepath.Join(settings.DataDir, "blocks"))
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, bs.Close)
		idx, err := index.OpenPebble(filepath.Join(settings.DataDir, "index"))
		if err != nil {
			n.Close()
			return nil, err
		}
		n.closers = append(n.closers, idx.Close)
		n.blockstore = bs
		n.indexDb = idx
	}

	db, err := chain.NewChainDb(chain.Config{
		Blockstore:      n.blockstore,
		IndexDb:         n.indexDb,
		TipsetCacheSize: settings.TipsetCacheSize,
		Logger:          logger,
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	if err := db.Init(ctx, nil, settings.CreateGenesis); err != nil {
		n.Close()
		return nil, fmt.Errorf("init chain db: %w", err)
	}
	n.db = db

	if cfg.Fetcher != nil {
		n.syncer = chainsync.NewSyncer(chainsync.Config{
			ChainDb: db,
			Fetcher: cfg.Fetcher,
			Logger:  logger,
		})
	}

	return n, nil
}

// Start begins accepting tipset stores and logs head changes. With
// CreateGenesis set and no genesis stored yet, it builds and stores one.
func (n *Node) Start(ctx context.Context) error {
	if err := n.db.Start(n.onHeadsChanged); err != nil {
		return err
	}

	if n.cfg.CreateGenesis {
		if _, err := n.db.GenesisTipset(); err != nil {
			ts, err := genesis.Build(ctx, n.blockstore, n.cfg.GenesisTimestamp)
			if err != nil {
				return fmt.Errorf("build genesis: %w", err)
			}
			parents, err := ts.Parents()
			if err != nil {
				return err
			}
			if _, err := n.db.StoreTipset(ctx, ts, parents); err != nil {
				return fmt.Errorf("store genesis: %w", err)
			}
			n.logger.Info("created genesis", "hash", ts.Key.Hash().Short())
		}
	}

	n.logger.Info("node started")
	return nil
}

func (n *Node) onHeadsChanged(removed, added []types.TipsetHash) {
	attrs := make([]any, 0, 4)
	if len(removed) > 0 {
		attrs = append(attrs, "removed", hashesShort(removed))
	}
	if len(added) > 0 {
		attrs = append(attrs, "added", hashesShort(added))
	}
	n.logger.Info("heads changed", attrs...)
}

func hashesShort(hashes []types.TipsetHash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Short()
	}
	return out
}

// ChainDb exposes the chain db to embedders.
func (n *Node) ChainDb() *chain.ChainDb { return n.db }

// Syncer returns the syncer, or nil when no fetcher was configured.
func (n *Node) Syncer() *chainsync.Syncer { return n.syncer }

// Close releases storage handles.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			n.logger.Warn("close failed", "err", err)
		}
	}
	n.closers = nil
}
