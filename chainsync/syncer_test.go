package chainsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/neilotoole/slogt"

	"github.com/tesseralabs/tessera/chain"
	"github.com/tesseralabs/tessera/index"
	"github.com/tesseralabs/tessera/storage"
	"github.com/tesseralabs/tessera/storage/memory"
	"github.com/tesseralabs/tessera/types"
)

var testStateRoot, _ = storage.SumCid([]byte{0x42})

func shrinkBackoff(t *testing.T) {
	t.Helper()
	saved := baseRetryDelay
	baseRetryDelay = time.Millisecond
	t.Cleanup(func() { baseRetryDelay = saved })
}

func makeTipset(t *testing.T, height types.Height, parent *types.Tipset, tick byte) *types.Tipset {
	t.Helper()
	var parents []cid.Cid
	if parent != nil {
		parents = parent.Key.Cids()
	}
	blk := &types.BlockHeader{
		Miner:           []byte{tick},
		Ticket:          []byte{tick},
		Parents:         parents,
		Height:          height,
		Timestamp:       uint64(height) * 30,
		ParentStateRoot: testStateRoot,
	}
	ts, err := types.NewTipset([]*types.BlockHeader{blk})
	if err != nil {
		t.Fatalf("NewTipset: %v", err)
	}
	return ts
}

// buildChain returns genesis..Tn linked in order.
func buildChain(t *testing.T, n int) []*types.Tipset {
	t.Helper()
	out := make([]*types.Tipset, 0, n+1)
	var parent *types.Tipset
	for h := 0; h <= n; h++ {
		ts := makeTipset(t, types.Height(h), parent, byte(h+1))
		out = append(out, ts)
		parent = ts
	}
	return out
}

func newTestChainDb(t *testing.T) *chain.ChainDb {
	t.Helper()
	db, err := chain.NewChainDb(chain.Config{
		Blockstore: memory.New(),
		IndexDb:    index.NewMemoryDb(),
		Logger:     slogt.New(t),
	})
	if err != nil {
		t.Fatalf("NewChainDb: %v", err)
	}
	ctx := context.Background()
	if err := db.Init(ctx, nil, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := db.Start(func(removed, added []types.TipsetHash) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return db
}

// mapFetcher serves tipsets from a map and counts requests.
type mapFetcher struct {
	byHash   map[types.TipsetHash]*types.Tipset
	requests []types.TipsetHash
	failures map[types.TipsetHash]int
}

func newMapFetcher(tipsets ...*types.Tipset) *mapFetcher {
	f := &mapFetcher{
		byHash:   make(map[types.TipsetHash]*types.Tipset),
		failures: make(map[types.TipsetHash]int),
	}
	for _, ts := range tipsets {
		f.byHash[ts.Key.Hash()] = ts
	}
	return f
}

func (f *mapFetcher) FetchTipset(_ context.Context, key types.TipsetKey) (*types.Tipset, error) {
	hash := key.Hash()
	f.requests = append(f.requests, hash)
	if f.failures[hash] > 0 {
		f.failures[hash]--
		return nil, errors.New("transient fetch failure")
	}
	ts, ok := f.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("unknown tipset %s", hash.Short())
	}
	return ts, nil
}

func storeChain(t *testing.T, db *chain.ChainDb, tipsets []*types.Tipset) {
	t.Helper()
	ctx := context.Background()
	for _, ts := range tipsets {
		parents, err := ts.Parents()
		if err != nil {
			t.Fatalf("Parents: %v", err)
		}
		if _, err := db.StoreTipset(ctx, ts, parents); err != nil {
			t.Fatalf("StoreTipset(h=%d): %v", ts.Height, err)
		}
	}
}

func TestTargetHeadFillsGap(t *testing.T) {
	ctx := context.Background()
	db := newTestChainDb(t)
	tipsets := buildChain(t, 6)
	storeChain(t, db, tipsets[:3]) // genesis, T1, T2 known

	fetcher := newMapFetcher(tipsets...)
	syncer := NewSyncer(Config{ChainDb: db, Fetcher: fetcher, Logger: slogt.New(t)})

	if err := syncer.TargetHead(ctx, tipsets[6].Key); err != nil {
		t.Fatalf("TargetHead: %v", err)
	}

	// T6, T5, T4, T3 fetched top-down; nothing else.
	want := []types.TipsetHash{
		tipsets[6].Key.Hash(),
		tipsets[5].Key.Hash(),
		tipsets[4].Key.Hash(),
		tipsets[3].Key.Hash(),
	}
	if len(fetcher.requests) != len(want) {
		t.Fatalf("requests %d, want %d", len(fetcher.requests), len(want))
	}
	for i := range want {
		if fetcher.requests[i] != want[i] {
			t.Errorf("request %d wrong tipset", i)
		}
	}

	stored, err := db.TipsetIsStored(ctx, tipsets[6].Key.Hash())
	if err != nil || !stored {
		t.Fatalf("target not stored: %v", err)
	}
	next, err := db.GetUnsyncedBottom(ctx, tipsets[6].Key)
	if err != nil {
		t.Fatalf("GetUnsyncedBottom: %v", err)
	}
	if next != nil {
		t.Error("subgraph must be synced to genesis")
	}
	if syncer.State() != SyncStateIdle {
		t.Error("syncer must return to idle")
	}
}

func TestTargetHeadAlreadySynced(t *testing.T) {
	ctx := context.Background()
	db := newTestChainDb(t)
	tipsets := buildChain(t, 3)
	storeChain(t, db, tipsets)

	fetcher := newMapFetcher(tipsets...)
	syncer := NewSyncer(Config{ChainDb: db, Fetcher: fetcher, Logger: slogt.New(t)})

	if err := syncer.TargetHead(ctx, tipsets[3].Key); err != nil {
		t.Fatalf("TargetHead: %v", err)
	}
	if len(fetcher.requests) != 0 {
		t.Errorf("no fetches expected, got %d", len(fetcher.requests))
	}
}

func TestTargetHeadRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestChainDb(t)
	tipsets := buildChain(t, 2)
	storeChain(t, db, tipsets[:2])

	shrinkBackoff(t)
	fetcher := newMapFetcher(tipsets...)
	fetcher.failures[tipsets[2].Key.Hash()] = 1
	syncer := NewSyncer(Config{ChainDb: db, Fetcher: fetcher, Logger: slogt.New(t)})

	if err := syncer.TargetHead(ctx, tipsets[2].Key); err != nil {
		t.Fatalf("TargetHead: %v", err)
	}
	if len(fetcher.requests) != 2 {
		t.Errorf("expected retry, got %d requests", len(fetcher.requests))
	}
}

func TestTargetHeadGivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	db := newTestChainDb(t)
	tipsets := buildChain(t, 2)
	storeChain(t, db, tipsets[:2])

	shrinkBackoff(t)
	fetcher := newMapFetcher(tipsets...)
	fetcher.failures[tipsets[2].Key.Hash()] = maxFetchRetries + 1
	syncer := NewSyncer(Config{ChainDb: db, Fetcher: fetcher, Logger: slogt.New(t)})

	if err := syncer.TargetHead(ctx, tipsets[2].Key); err == nil {
		t.Fatal("expected fetch failure to surface")
	}
	if syncer.State() != SyncStateIdle {
		t.Error("syncer must return to idle after failure")
	}
}

func TestFetcherFuncAdapter(t *testing.T) {
	called := false
	f := FetcherFunc(func(ctx context.Context, key types.TipsetKey) (*types.Tipset, error) {
		called = true
		return nil, errors.New("boom")
	})
	_, err := f.FetchTipset(context.Background(), types.TipsetKey{})
	if err == nil || !called {
		t.Fatal("adapter must forward the call")
	}
}
