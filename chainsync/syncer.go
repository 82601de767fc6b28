// Package chainsync drives the chain db towards a target head. Given a
// head tipset key, the syncer fetches tipsets through a TipsetFetcher and
// stores them child-first, starting at the target: every store reports the
// next missing parent key, which is fetched in turn until the subgraph
// reaches a known tipset or genesis.
//
// Fetch requests use exponential backoff retry (1s, 2s, 4s, max 3 retries)
// to ride out transient failures.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tesseralabs/tessera/chain"
	"github.com/tesseralabs/tessera/types"
)

const maxFetchRetries = 3

// baseRetryDelay is a variable so tests can shrink the backoff.
var baseRetryDelay = 1 * time.Second

// ErrSyncInProgress is returned when a target arrives while a previous
// sync is still running.
var ErrSyncInProgress = errors.New("chainsync: sync in progress")

// TipsetFetcher obtains tipsets from remote peers. It stands in for the
// network layer, which is outside this module.
type TipsetFetcher interface {
	FetchTipset(ctx context.Context, key types.TipsetKey) (*types.Tipset, error)
}

// FetcherFunc adapts a function to the TipsetFetcher interface.
type FetcherFunc func(ctx context.Context, key types.TipsetKey) (*types.Tipset, error)

func (f FetcherFunc) FetchTipset(ctx context.Context, key types.TipsetKey) (*types.Tipset, error) {
	return f(ctx, key)
}

type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateSyncing
)

// Config holds syncer configuration.
type Config struct {
	ChainDb *chain.ChainDb
	Fetcher TipsetFetcher
	Logger  *slog.Logger
}

// Syncer walks unknown subchains backwards into the chain db. One sync
// runs at a time; stores are serialized on the caller's goroutine.
type Syncer struct {
	db      *chain.ChainDb
	fetcher TipsetFetcher
	logger  *slog.Logger

	mu    sync.Mutex
	state SyncState
}

// NewSyncer creates a new syncer.
func NewSyncer(cfg Config) *Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		db:      cfg.ChainDb,
		fetcher: cfg.Fetcher,
		logger:  logger,
		state:   SyncStateIdle,
	}
}

// State returns the current sync state.
func (s *Syncer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TargetHead syncs the chain db up to the tipset with the given key,
// fetching every missing ancestor. It returns once the subgraph containing
// the target is synced to genesis.
func (s *Syncer) TargetHead(ctx context.Context, key types.TipsetKey) error {
	s.mu.Lock()
	if s.state == SyncStateSyncing {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.state = SyncStateSyncing
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = SyncStateIdle
		s.mu.Unlock()
	}()

	s.logger.Info("sync target", "key", key.Hash().Short())

	next := &key
	for next != nil {
		if err := ctx.Err(); err != nil {
			return err
		}

		stored, err := s.db.TipsetIsStored(ctx, next.Hash())
		if err != nil {
			return err
		}
		if stored {
			next, err = s.db.GetUnsyncedBottom(ctx, *next)
			if err != nil {
				return err
			}
			continue
		}

		ts, err := s.fetchWithRetry(ctx, *next)
		if err != nil {
			return fmt.Errorf("fetch tipset %s: %w", next.Hash().Short(), err)
		}
		parents, err := ts.Parents()
		if err != nil {
			return err
		}
		next, err = s.db.StoreTipset(ctx, ts, parents)
		if err != nil {
			return err
		}
		s.logger.Debug("stored tipset",
			"height", ts.Height,
			"hash", ts.Key.Hash().Short(),
			"synced", next == nil,
		)
	}

	s.logger.Info("sync complete", "key", key.Hash().Short())
	return nil
}

func (s *Syncer) fetchWithRetry(ctx context.Context, key types.TipsetKey) (*types.Tipset, error) {
	var lastErr error
	delay := baseRetryDelay
	for attempt := 0; attempt <= maxFetchRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying tipset fetch",
				"key", key.Hash().Short(),
				"attempt", attempt,
				"err", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		ts, err := s.fetcher.FetchTipset(ctx, key)
		if err == nil {
			if ts.Key.Hash() != key.Hash() {
				return nil, fmt.Errorf("fetched tipset does not match requested key")
			}
			return ts, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
