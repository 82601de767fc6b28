package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/neilotoole/slogt"

	"github.com/tesseralabs/tessera/index"
	"github.com/tesseralabs/tessera/storage"
	"github.com/tesseralabs/tessera/storage/memory"
	"github.com/tesseralabs/tessera/types"
)

// chainFixture drives a ChainDb over in-memory storage and records every
// head-change delivery.
type chainFixture struct {
	t      *testing.T
	ctx    context.Context
	db     *ChainDb
	events []HeadChanges
	tick   byte
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	f := &chainFixture{t: t, ctx: context.Background()}

	db, err := NewChainDb(Config{
		Blockstore: memory.New(),
		IndexDb:    index.NewMemoryDb(),
		Logger:     slogt.New(t),
	})
	if err != nil {
		t.Fatalf("NewChainDb: %v", err)
	}
	if err := db.Init(f.ctx, nil, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := db.Start(func(removed, added []types.TipsetHash) {
		f.events = append(f.events, HeadChanges{Removed: removed, Added: added})
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.db = db
	return f
}

var testStateRoot, _ = storage.SumCid([]byte{0x42})

// makeTipset builds a single-block tipset on top of parent (nil for
// genesis). Each call uses a fresh ticket so sibling tipsets differ.
func (f *chainFixture) makeTipset(height types.Height, parent *types.Tipset) *types.Tipset {
	f.t.Helper()
	f.tick++
	var parents []cid.Cid
	if parent != nil {
		parents = parent.Key.Cids()
	}
	blk := &types.BlockHeader{
		Miner:           []byte{f.tick},
		Ticket:          []byte{f.tick},
		Parents:         parents,
		Height:          height,
		Timestamp:       uint64(height) * 30,
		ParentStateRoot: testStateRoot,
	}
	ts, err := types.NewTipset([]*types.BlockHeader{blk})
	if err != nil {
		f.t.Fatalf("NewTipset: %v", err)
	}
	return ts
}

// store persists ts and returns the next-unsynced key.
func (f *chainFixture) store(ts *types.Tipset) *types.TipsetKey {
	f.t.Helper()
	parents, err := ts.Parents()
	if err != nil {
		f.t.Fatalf("Parents: %v", err)
	}
	next, err := f.db.StoreTipset(f.ctx, ts, parents)
	if err != nil {
		f.t.Fatalf("StoreTipset(h=%d): %v", ts.Height, err)
	}
	return next
}

// linearChain stores genesis plus n extension tipsets and returns all of
// them, genesis first.
func (f *chainFixture) linearChain(n int) []*types.Tipset {
	f.t.Helper()
	out := make([]*types.Tipset, 0, n+1)
	genesis := f.makeTipset(0, nil)
	f.store(genesis)
	out = append(out, genesis)
	for h := 1; h <= n; h++ {
		ts := f.makeTipset(types.Height(h), out[len(out)-1])
		f.store(ts)
		out = append(out, ts)
	}
	return out
}

func TestGenesisOnly(t *testing.T) {
	f := newChainFixture(t)
	genesis := f.makeTipset(0, nil)

	next := f.store(genesis)
	if next != nil {
		t.Error("genesis store must not request more tipsets")
	}
	if len(f.events) != 1 || len(f.events[0].Removed) != 0 ||
		len(f.events[0].Added) != 1 || f.events[0].Added[0] != genesis.Key.Hash() {
		t.Errorf("genesis store must announce genesis as the only added head, got %v", f.events)
	}

	heads := f.db.branches.AllHeads()
	if len(heads) != 1 {
		t.Fatalf("expected 1 head, got %d", len(heads))
	}
	if _, ok := heads[genesis.Key.Hash()]; !ok {
		t.Error("genesis must be the head")
	}

	if err := f.db.SetCurrentHead(f.ctx, genesis.Key.Hash()); err != nil {
		t.Fatalf("SetCurrentHead: %v", err)
	}
	id, err := f.db.branches.GetBranchAtHeight(0, true)
	if err != nil || id != types.GenesisBranch {
		t.Errorf("GetBranchAtHeight(0) = %d, %v", id, err)
	}

	gc, err := f.db.GenesisCid()
	if err != nil {
		t.Fatalf("GenesisCid: %v", err)
	}
	if !gc.Equals(genesis.Key.Cids()[0]) {
		t.Error("genesis cid mismatch")
	}
}

func TestLinearExtension(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(5)

	heads := f.db.branches.AllHeads()
	if len(heads) != 1 {
		t.Fatalf("expected exactly one head, got %d", len(heads))
	}
	top := chain[5]
	if _, ok := heads[top.Key.Hash()]; !ok {
		t.Error("top tipset must be the head")
	}

	// Genesis is announced first, then one event per extension, each
	// replacing the previous top.
	if len(f.events) != 6 {
		t.Fatalf("expected 6 head events, got %d", len(f.events))
	}
	if len(f.events[0].Removed) != 0 || len(f.events[0].Added) != 1 || f.events[0].Added[0] != chain[0].Key.Hash() {
		t.Errorf("event 0 must announce genesis: %v", f.events[0])
	}
	for i, ev := range f.events[1:] {
		if len(ev.Removed) != 1 || len(ev.Added) != 1 {
			t.Fatalf("event %d: %v", i+1, ev)
		}
		if ev.Removed[0] != chain[i].Key.Hash() || ev.Added[0] != chain[i+1].Key.Hash() {
			t.Errorf("event %d announces wrong hashes", i+1)
		}
	}

	checkAcyclic(t, f.db.branches)
	checkHeadExclusivity(t, f.db.branches)
	checkHeadCausality(t, f.events)
}

func TestFork(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(5)
	if err := f.db.SetCurrentHead(f.ctx, chain[5].Key.Hash()); err != nil {
		t.Fatalf("SetCurrentHead: %v", err)
	}

	// A competing tipset at height 4 on top of chain[3] splits the
	// original branch at height 3.
	fork := f.makeTipset(4, chain[3])
	f.store(fork)

	heads := f.db.branches.AllHeads()
	if len(heads) != 2 {
		t.Fatalf("expected 2 heads after fork, got %d", len(heads))
	}
	if _, ok := heads[chain[5].Key.Hash()]; !ok {
		t.Error("original top must remain a head")
	}
	if _, ok := heads[fork.Key.Hash()]; !ok {
		t.Error("fork tip must be a head")
	}

	// The split leaves the current chain covering all heights.
	for h := types.Height(0); h <= 5; h++ {
		if _, err := f.db.branches.GetBranchAtHeight(h, true); err != nil {
			t.Errorf("height %d uncovered after split: %v", h, err)
		}
	}

	hca, err := f.db.FindHighestCommonAncestor(f.ctx, chain[5], fork)
	if err != nil {
		t.Fatalf("FindHighestCommonAncestor: %v", err)
	}
	if hca.Key.Hash() != chain[3].Key.Hash() {
		t.Errorf("HCA = h%d, want h3", hca.Height)
	}

	// The common root branch holds the shared prefix up to chain[3].
	a := f.branchOf(chain[5])
	b := f.branchOf(fork)
	root, err := f.db.branches.GetCommonRoot(a, b)
	if err != nil {
		t.Fatalf("GetCommonRoot: %v", err)
	}
	if root.TopHeight != 3 || root.Top != chain[3].Key.Hash() {
		t.Errorf("common root [%d..%d], want top at h3", root.BottomHeight, root.TopHeight)
	}

	checkAcyclic(t, f.db.branches)
	checkHeadExclusivity(t, f.db.branches)
	checkHeadCausality(t, f.events)
}

func (f *chainFixture) branchOf(ts *types.Tipset) types.BranchID {
	f.t.Helper()
	info, err := f.db.indexDb.Get(f.ctx, ts.Key.Hash())
	if err != nil {
		f.t.Fatalf("index get: %v", err)
	}
	return info.Branch
}

func TestOutOfOrderFill(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(2)
	base := len(f.events)

	t3 := f.makeTipset(3, chain[2])
	t4 := f.makeTipset(4, t3)
	t5 := f.makeTipset(5, t4)

	// T5 first: a standalone unsynced subgraph; the store asks for T4.
	next := f.store(t5)
	if next == nil || next.Hash() != t4.Key.Hash() {
		t.Fatal("expected T4 to be requested next")
	}
	// T4: links to the bottom of the subgraph; still unsynced.
	next = f.store(t4)
	if next == nil || next.Hash() != t3.Key.Hash() {
		t.Fatal("expected T3 to be requested next")
	}
	if len(f.events) != base {
		t.Fatalf("no head change may be announced while unsynced, got %d", len(f.events)-base)
	}

	// T3 closes the gap: one batched event replaces the old top with T5.
	next = f.store(t3)
	if next != nil {
		t.Error("subgraph must be synced after T3")
	}
	if len(f.events) != base+1 {
		t.Fatalf("expected one batched event, got %d", len(f.events)-base)
	}
	ev := f.events[base]
	if len(ev.Removed) != 1 || ev.Removed[0] != chain[2].Key.Hash() {
		t.Errorf("removed = %v, want old top", ev.Removed)
	}
	if len(ev.Added) != 1 || ev.Added[0] != t5.Key.Hash() {
		t.Errorf("added = %v, want T5", ev.Added)
	}

	heads := f.db.branches.AllHeads()
	if len(heads) != 1 {
		t.Fatalf("expected one head, got %d", len(heads))
	}
	if _, ok := heads[t5.Key.Hash()]; !ok {
		t.Error("T5 must be the head")
	}

	checkAcyclic(t, f.db.branches)
	checkHeadExclusivity(t, f.db.branches)
	checkHeadCausality(t, f.events)
}

func TestStoreTipsetIdempotent(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(3)
	events := len(f.events)

	next := f.store(chain[2])
	if next != nil {
		t.Error("re-store of a synced tipset must return nil")
	}
	if len(f.events) != events {
		t.Error("re-store must not emit events")
	}
}

func TestGetTipsetByHeightAndHash(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(4)
	if err := f.db.SetCurrentHead(f.ctx, chain[4].Key.Hash()); err != nil {
		t.Fatalf("SetCurrentHead: %v", err)
	}

	for h, want := range chain {
		got, err := f.db.GetTipsetByHeight(f.ctx, types.Height(h))
		if err != nil {
			t.Fatalf("GetTipsetByHeight(%d): %v", h, err)
		}
		if got.Key.Hash() != want.Key.Hash() {
			t.Errorf("height %d: wrong tipset", h)
		}

		byHash, err := f.db.GetTipsetByHash(f.ctx, want.Key.Hash())
		if err != nil {
			t.Fatalf("GetTipsetByHash: %v", err)
		}
		if byHash.Key.Hash() != want.Key.Hash() {
			t.Errorf("hash round trip failed at height %d", h)
		}
	}

	byKey, err := f.db.GetTipsetByKey(f.ctx, chain[2].Key)
	if err != nil {
		t.Fatalf("GetTipsetByKey: %v", err)
	}
	if byKey.Key.Hash() != chain[2].Key.Hash() {
		t.Error("key lookup returned wrong tipset")
	}
}

func TestWalkForward(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(5)
	if err := f.db.SetCurrentHead(f.ctx, chain[5].Key.Hash()); err != nil {
		t.Fatalf("SetCurrentHead: %v", err)
	}

	var visited []types.Height
	err := f.db.WalkForward(f.ctx, chain[0], chain[5], 10, func(ts *types.Tipset) bool {
		visited = append(visited, ts.Height)
		return true
	})
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}
	if len(visited) != 5 {
		t.Fatalf("visited %v", visited)
	}
	for i, h := range visited {
		if h != types.Height(i+1) {
			t.Fatalf("visited %v, want ascending 1..5", visited)
		}
	}

	// Limit cuts the walk short.
	visited = nil
	err = f.db.WalkForward(f.ctx, chain[0], chain[5], 2, func(ts *types.Tipset) bool {
		visited = append(visited, ts.Height)
		return true
	})
	if err != nil || len(visited) != 2 {
		t.Fatalf("limited walk: %v, %v", visited, err)
	}

	// Callback stops the walk.
	visited = nil
	err = f.db.WalkForward(f.ctx, chain[0], chain[5], 10, func(ts *types.Tipset) bool {
		visited = append(visited, ts.Height)
		return len(visited) < 3
	})
	if err != nil || len(visited) != 3 {
		t.Fatalf("stopped walk: %v, %v", visited, err)
	}
}

func TestWalkBackward(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(5)

	var visited []types.Height
	err := f.db.WalkBackward(f.ctx, chain[5].Key.Hash(), 2, func(ts *types.Tipset) bool {
		visited = append(visited, ts.Height)
		return true
	})
	if err != nil {
		t.Fatalf("WalkBackward: %v", err)
	}
	want := []types.Height{5, 4, 3}
	if len(visited) != len(want) {
		t.Fatalf("visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", visited, want)
		}
	}
}

func TestStoreTipsetRejectsBadParent(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(2)

	ts := f.makeTipset(3, chain[2])
	wrongParent, err := types.NewTipsetKey(chain[1].Key.Cids())
	if err != nil {
		t.Fatalf("NewTipsetKey: %v", err)
	}
	if _, err := f.db.StoreTipset(f.ctx, ts, wrongParent); !errors.Is(err, ErrBadTipset) {
		t.Errorf("expected ErrBadTipset, got %v", err)
	}
}

func TestReinitFromIndex(t *testing.T) {
	f := newChainFixture(t)
	chain := f.linearChain(4)
	fork := f.makeTipset(3, chain[2])
	f.store(fork)

	// A fresh ChainDb over the same stores must reconstruct the graph.
	reopened, err := NewChainDb(Config{
		Blockstore: f.db.bs,
		IndexDb:    f.db.indexDb,
		Logger:     slogt.New(t),
	})
	if err != nil {
		t.Fatalf("NewChainDb: %v", err)
	}
	if err := reopened.Init(f.ctx, nil, false); err != nil {
		t.Fatalf("reinit: %v", err)
	}

	heads := reopened.branches.AllHeads()
	if len(heads) != 2 {
		t.Fatalf("expected 2 heads after reinit, got %d", len(heads))
	}
	if _, ok := heads[chain[4].Key.Hash()]; !ok {
		t.Error("original top lost on reinit")
	}
	if _, ok := heads[fork.Key.Hash()]; !ok {
		t.Error("fork tip lost on reinit")
	}

	genesis, err := reopened.GenesisTipset()
	if err != nil {
		t.Fatalf("GenesisTipset: %v", err)
	}
	if genesis.Key.Hash() != chain[0].Key.Hash() {
		t.Error("wrong genesis after reinit")
	}

	checkAcyclic(t, reopened.branches)
	checkHeadExclusivity(t, reopened.branches)
}

func TestInitGenesisMismatch(t *testing.T) {
	f := newChainFixture(t)
	f.linearChain(1)

	other, err := storage.SumCid([]byte("not the genesis"))
	if err != nil {
		t.Fatalf("SumCid: %v", err)
	}
	reopened, err := NewChainDb(Config{
		Blockstore: f.db.bs,
		IndexDb:    f.db.indexDb,
		Logger:     slogt.New(t),
	})
	if err != nil {
		t.Fatalf("NewChainDb: %v", err)
	}
	err = reopened.Init(f.ctx, &other, false)
	if !errors.Is(err, ErrGenesisMismatch) {
		t.Fatalf("expected ErrGenesisMismatch, got %v", err)
	}
	if err := reopened.StateIsConsistent(); err == nil {
		t.Error("state error must stick after failed init")
	}
}

func TestInitEmptyWithoutCreate(t *testing.T) {
	db, err := NewChainDb(Config{
		Blockstore: memory.New(),
		IndexDb:    index.NewMemoryDb(),
		Logger:     slogt.New(t),
	})
	if err != nil {
		t.Fatalf("NewChainDb: %v", err)
	}
	if err := db.Init(context.Background(), nil, false); !errors.Is(err, ErrNoGenesis) {
		t.Fatalf("expected ErrNoGenesis, got %v", err)
	}
}

// checkHeadCausality asserts every removed hash was previously announced
// as added.
func checkHeadCausality(t *testing.T, events []HeadChanges) {
	t.Helper()
	announced := make(map[types.TipsetHash]bool)
	for i, ev := range events {
		for _, h := range ev.Removed {
			if !announced[h] {
				t.Errorf("event %d removes never-added head %x", i, h[:4])
			}
			delete(announced, h)
		}
		for _, h := range ev.Added {
			announced[h] = true
		}
	}
}
