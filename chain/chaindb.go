// Package chain tracks every observed fork of the tipset chain and exposes
// a tipset-centric view over the blockstore and the index db. The branch
// graph lives in memory; tipset metadata and block payloads persist across
// restarts and are reconciled at init.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/index"
	"github.com/tesseralabs/tessera/storage"
	"github.com/tesseralabs/tessera/types"
)

// DefaultTipsetCacheSize bounds the LRU tipset cache in front of the
// blockstore and index db.
const DefaultTipsetCacheSize = 1024

// HeadCallback is invoked after every store operation that changes the
// head set. If both slices are non-empty, added replaces removed.
type HeadCallback func(removed, added []types.TipsetHash)

// WalkCallback receives tipsets during walks; returning false stops the
// walk.
type WalkCallback func(ts *types.Tipset) bool

// Config configures a ChainDb.
type Config struct {
	Blockstore      storage.Blockstore
	IndexDb         index.Db
	TipsetCacheSize int
	Logger          *slog.Logger
}

// ChainDb combines the blockstore, the index db and the branch graph
// behind a tipset-centric API. All mutating calls are serialized by the
// sync goroutine.
type ChainDb struct {
	bs      storage.Blockstore
	indexDb index.Db

	genesisTipset *types.Tipset
	branches      *Branches
	cache         *lru.Cache[types.TipsetHash, *types.Tipset]

	headCallback HeadCallback
	stateError   error
	started      bool
	log          *slog.Logger
}

// NewChainDb creates the facade. Init must be called before use.
func NewChainDb(cfg Config) (*ChainDb, error) {
	if cfg.Blockstore == nil || cfg.IndexDb == nil {
		return nil, fmt.Errorf("%w: missing storage", ErrNotInitialized)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.TipsetCacheSize
	if size <= 0 {
		size = DefaultTipsetCacheSize
	}
	cache, err := lru.New[types.TipsetHash, *types.Tipset](size)
	if err != nil {
		return nil, err
	}
	return &ChainDb{
		bs:         cfg.Blockstore,
		indexDb:    cfg.IndexDb,
		branches:   NewBranches(logger),
		cache:      cache,
		stateError: ErrNotInitialized,
		log:        logger,
	}, nil
}

// Init loads the persisted branch graph and verifies genesis. With
// creatingNew set, an empty store is acceptable and genesis is expected to
// arrive via StoreTipset.
func (db *ChainDb) Init(ctx context.Context, genesisCid *cid.Cid, creatingNew bool) error {
	db.stateError = nil

	allBranches, err := db.indexDb.Init(ctx)
	if err != nil {
		db.stateError = err
		return err
	}
	if _, err := db.branches.Init(allBranches); err != nil {
		db.stateError = err
		return err
	}

	if db.branches.Empty() {
		if !creatingNew {
			db.stateError = ErrNoGenesis
			return db.stateError
		}
		return nil
	}

	genesisBranch, err := db.branches.GetBranch(types.GenesisBranch)
	if err != nil {
		db.stateError = ErrNoGenesis
		return db.stateError
	}
	genesis, err := db.GetTipsetByHash(ctx, genesisBranch.Bottom)
	if err != nil {
		db.stateError = fmt.Errorf("%w: load genesis: %v", ErrDataIntegrity, err)
		return db.stateError
	}
	db.genesisTipset = genesis

	if genesisCid != nil {
		cids := genesis.Key.Cids()
		if len(cids) != 1 || !cids[0].Equals(*genesisCid) {
			db.genesisTipset = nil
			db.stateError = ErrGenesisMismatch
			return db.stateError
		}
	}

	db.log.Info("chain db initialized",
		"branches", len(allBranches),
		"genesis", genesis.Key.Hash().Short(),
	)
	return nil
}

// Start installs the head-change callback and begins accepting stores.
func (db *ChainDb) Start(onHeadsChanged HeadCallback) error {
	if err := db.StateIsConsistent(); err != nil {
		return err
	}
	if onHeadsChanged == nil {
		return fmt.Errorf("%w: nil head callback", ErrNotInitialized)
	}
	db.headCallback = onHeadsChanged
	db.started = true
	return nil
}

// StateIsConsistent reports the sticky init error, if any.
func (db *ChainDb) StateIsConsistent() error {
	return db.stateError
}

// GenesisCid returns the CID of the sole genesis block.
func (db *ChainDb) GenesisCid() (cid.Cid, error) {
	if db.genesisTipset == nil {
		return cid.Undef, ErrNoGenesis
	}
	return db.genesisTipset.Key.Cids()[0], nil
}

// GenesisTipset returns the genesis tipset.
func (db *ChainDb) GenesisTipset() (*types.Tipset, error) {
	if db.genesisTipset == nil {
		return nil, ErrNoGenesis
	}
	return db.genesisTipset, nil
}

// TipsetIsStored reports whether the tipset is indexed.
func (db *ChainDb) TipsetIsStored(ctx context.Context, hash types.TipsetHash) (bool, error) {
	if err := db.StateIsConsistent(); err != nil {
		return false, err
	}
	return db.indexDb.Contains(ctx, hash)
}

// GetHeads delivers the current heads that are synced to genesis through
// the callback as an added batch. Unsynced heads are not delivered.
func (db *ChainDb) GetHeads(cb HeadCallback) error {
	if err := db.StateIsConsistent(); err != nil {
		return err
	}
	var added []types.TipsetHash
	for hash, branch := range db.branches.AllHeads() {
		if branch.SyncedToGenesis {
			added = append(added, hash)
		}
	}
	if len(added) > 0 {
		cb(nil, added)
	}
	return nil
}

// GetTipsetByHash loads a stored tipset, reading through the cache.
func (db *ChainDb) GetTipsetByHash(ctx context.Context, hash types.TipsetHash) (*types.Tipset, error) {
	if cached, ok := db.cache.Get(hash); ok {
		return cached, nil
	}
	info, err := db.indexDb.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return db.loadTipsetFromIpld(ctx, info.Key)
}

// GetTipsetByHeight returns the tipset at the given height on the current
// chain.
func (db *ChainDb) GetTipsetByHeight(ctx context.Context, height types.Height) (*types.Tipset, error) {
	if err := db.StateIsConsistent(); err != nil {
		return nil, err
	}
	branch, err := db.branches.GetBranchAtHeight(height, true)
	if err != nil {
		return nil, err
	}
	info, err := db.indexDb.GetByPosition(ctx, branch, height)
	if err != nil {
		return nil, err
	}
	return db.GetTipsetByHash(ctx, info.Key.Hash())
}

// GetTipsetByKey loads the tipset with the given key, falling back to raw
// blockstore reads for tipsets that are not indexed yet.
func (db *ChainDb) GetTipsetByKey(ctx context.Context, key types.TipsetKey) (*types.Tipset, error) {
	hash := key.Hash()
	if cached, ok := db.cache.Get(hash); ok {
		return cached, nil
	}
	return db.loadTipsetFromIpld(ctx, key)
}

func (db *ChainDb) loadTipsetFromIpld(ctx context.Context, key types.TipsetKey) (*types.Tipset, error) {
	cids := key.Cids()
	blocks := make([]*types.BlockHeader, 0, len(cids))
	for _, c := range cids {
		data, err := db.bs.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		blk, err := types.DecodeBlockHeader(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode block %s: %v", ErrDataIntegrity, c, err)
		}
		blocks = append(blocks, blk)
	}
	ts, err := types.NewTipset(blocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTipset, err)
	}
	if ts.Key.Hash() != key.Hash() {
		return nil, fmt.Errorf("%w: tipset key mismatch", ErrDataIntegrity)
	}
	db.cache.Add(ts.Key.Hash(), ts)
	return ts, nil
}

// SetCurrentHead moves the current chain to end at the stored tipset with
// the given hash.
func (db *ChainDb) SetCurrentHead(ctx context.Context, head types.TipsetHash) error {
	if err := db.StateIsConsistent(); err != nil {
		return err
	}
	info, err := db.indexDb.Get(ctx, head)
	if err != nil {
		return err
	}
	return db.branches.SetCurrentHead(info.Branch, info.Height)
}

// WalkForward walks child tipsets from `from` up to `to`, visiting at most
// limit tipsets. Both ends must be stored and `from` must be an ancestor
// of `to`.
func (db *ChainDb) WalkForward(ctx context.Context, from, to *types.Tipset, limit uint64, cb WalkCallback) error {
	if err := db.StateIsConsistent(); err != nil {
		return err
	}
	if limit == 0 || from.Height >= to.Height {
		return nil
	}
	fromInfo, err := db.indexDb.Get(ctx, from.Key.Hash())
	if err != nil {
		return err
	}
	toInfo, err := db.indexDb.Get(ctx, to.Key.Hash())
	if err != nil {
		return err
	}
	route, err := db.branches.GetRoute(fromInfo.Branch, toInfo.Branch)
	if err != nil {
		return err
	}

	stop := errors.New("walk stopped")
	visited := uint64(0)
	for _, branchID := range route {
		branch, err := db.branches.GetBranch(branchID)
		if err != nil {
			return err
		}
		lo := branch.BottomHeight
		if from.Height+1 > lo {
			lo = from.Height + 1
		}
		hi := branch.TopHeight
		if to.Height < hi {
			hi = to.Height
		}
		var innerErr error
		err = db.indexDb.WalkForward(ctx, branchID, lo, hi, limit-visited, func(info *index.TipsetInfo) {
			if innerErr != nil {
				return
			}
			ts, err := db.GetTipsetByHash(ctx, info.Key.Hash())
			if err != nil {
				innerErr = err
				return
			}
			visited++
			if !cb(ts) {
				innerErr = stop
			}
		})
		if err != nil {
			return err
		}
		if innerErr != nil {
			if errors.Is(innerErr, stop) {
				return nil
			}
			return innerErr
		}
		if visited >= limit {
			return nil
		}
	}
	return nil
}

// WalkBackward follows parent pointers from the tipset at `from` while
// heights stay above toHeight.
func (db *ChainDb) WalkBackward(ctx context.Context, from types.TipsetHash, toHeight types.Height, cb WalkCallback) error {
	if err := db.StateIsConsistent(); err != nil {
		return err
	}
	ts, err := db.GetTipsetByHash(ctx, from)
	if err != nil {
		return err
	}
	for ts.Height > toHeight {
		if !cb(ts) {
			return nil
		}
		if ts.Height == 0 {
			return nil
		}
		ts, err = db.GetTipsetByHash(ctx, ts.ParentHash())
		if err != nil {
			return err
		}
	}
	return nil
}

// FindHighestCommonAncestor equalizes heights along parent chains, then
// steps both sides in lockstep until the hashes match.
func (db *ChainDb) FindHighestCommonAncestor(ctx context.Context, a, b *types.Tipset) (*types.Tipset, error) {
	if err := db.StateIsConsistent(); err != nil {
		return nil, err
	}
	x, y := a, b
	var err error
	for x.Height > y.Height {
		if x, err = db.parentOf(ctx, x); err != nil {
			return nil, err
		}
	}
	for y.Height > x.Height {
		if y, err = db.parentOf(ctx, y); err != nil {
			return nil, err
		}
	}
	for x.Key.Hash() != y.Key.Hash() {
		if x.Height == 0 {
			return nil, fmt.Errorf("%w: disjoint chains", ErrDataIntegrity)
		}
		if x, err = db.parentOf(ctx, x); err != nil {
			return nil, err
		}
		if y, err = db.parentOf(ctx, y); err != nil {
			return nil, err
		}
		// Null rounds can leave the two sides at different heights
		// again; re-equalize before comparing.
		for x.Height > y.Height {
			if x, err = db.parentOf(ctx, x); err != nil {
				return nil, err
			}
		}
		for y.Height > x.Height {
			if y, err = db.parentOf(ctx, y); err != nil {
				return nil, err
			}
		}
	}
	return x, nil
}

func (db *ChainDb) parentOf(ctx context.Context, ts *types.Tipset) (*types.Tipset, error) {
	return db.GetTipsetByHash(ctx, ts.ParentHash())
}

// StoreTipset persists a new tipset and links it into the branch graph.
// It returns the tipset key the caller should fetch next when the stored
// subgraph is still unsynced below, or nil when nothing is missing.
func (db *ChainDb) StoreTipset(ctx context.Context, tipset *types.Tipset, parent types.TipsetKey) (*types.TipsetKey, error) {
	if err := db.StateIsConsistent(); err != nil {
		return nil, err
	}
	if !db.started {
		return nil, ErrNotInitialized
	}

	declaredParents, err := tipset.Parents()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTipset, err)
	}
	if !declaredParents.Equals(parent) {
		return nil, fmt.Errorf("%w: parent key mismatch", ErrBadTipset)
	}
	if tipset.Height == 0 && !parent.Empty() {
		return nil, fmt.Errorf("%w: genesis with parents", ErrBadTipset)
	}

	hash := tipset.Key.Hash()
	if stored, err := db.indexDb.Contains(ctx, hash); err != nil {
		return nil, err
	} else if stored {
		return db.GetUnsyncedBottom(ctx, tipset.Key)
	}

	parentHash := parent.Hash()
	parentBranch := types.NoBranch
	var parentHeight types.Height
	if !parent.Empty() {
		if parentInfo, err := db.indexDb.Get(ctx, parentHash); err == nil {
			parentBranch = parentInfo.Branch
			parentHeight = parentInfo.Height
		} else if !errors.Is(err, index.ErrTipsetNotFound) {
			return nil, err
		}
	}

	pos, err := db.branches.FindStorePosition(tipset, parentHash, parentBranch, parentHeight)
	if err != nil {
		return nil, err
	}

	if pos.Rename != nil && pos.Rename.Split {
		if err := db.applySplit(ctx, parentHash, parentHeight, *pos.Rename); err != nil {
			return nil, err
		}
		// The graph changed under the position; recompute it. The new
		// position carries no further split.
		pos, err = db.branches.FindStorePosition(tipset, parentHash, parentBranch, parentHeight)
		if err != nil {
			return nil, err
		}
	}

	for _, blk := range tipset.Blocks {
		data, err := blk.Serialize()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTipset, err)
		}
		c, err := blk.Cid()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTipset, err)
		}
		if err := db.bs.Put(ctx, c, data); err != nil {
			return nil, err
		}
	}

	info := &index.TipsetInfo{
		Key:        tipset.Key,
		Branch:     pos.AssignedBranch,
		Height:     tipset.Height,
		ParentHash: parentHash,
	}
	if err := db.indexDb.Store(ctx, info, pos.Rename); err != nil {
		return nil, err
	}

	changes := db.branches.StoreTipset(tipset, parentHash, pos)
	db.cache.Add(hash, tipset)
	if tipset.Height == 0 {
		db.genesisTipset = tipset
	}

	if db.headCallback != nil && (len(changes.Removed) > 0 || len(changes.Added) > 0) {
		db.headCallback(changes.Removed, changes.Added)
	}

	return db.GetUnsyncedBottom(ctx, tipset.Key)
}

// applySplit persists a branch split in the index db, then mirrors it in
// the in-memory graph. The split point is the parent tipset itself.
func (db *ChainDb) applySplit(ctx context.Context, newTop types.TipsetHash, aboveHeight types.Height, rename types.RenameBranch) error {
	oldBranch, err := db.branches.GetBranch(rename.OldID)
	if err != nil {
		return err
	}

	// The new fork branch's bottom is the lowest row above the split
	// point.
	var newBottom types.TipsetHash
	var newBottomHeight types.Height
	found := false
	err = db.indexDb.WalkForward(ctx, rename.OldID, aboveHeight+1, oldBranch.TopHeight, 1,
		func(info *index.TipsetInfo) {
			newBottom = info.Key.Hash()
			newBottomHeight = info.Height
			found = true
		})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: split point has no upper part", ErrDataIntegrity)
	}

	if err := db.indexDb.Rename(ctx, &rename); err != nil {
		return err
	}
	db.branches.SplitBranch(newTop, newBottom, newBottomHeight, rename)
	return nil
}

// GetUnsyncedBottom returns the tipset key to fetch next for the subgraph
// containing the given key: the parent key of the subgraph's bottom. Nil
// when the subgraph is synced to genesis.
func (db *ChainDb) GetUnsyncedBottom(ctx context.Context, key types.TipsetKey) (*types.TipsetKey, error) {
	if err := db.StateIsConsistent(); err != nil {
		return nil, err
	}
	info, err := db.indexDb.Get(ctx, key.Hash())
	if err != nil {
		return nil, err
	}
	root, err := db.branches.GetRootBranch(info.Branch)
	if err != nil {
		return nil, err
	}
	if root.SyncedToGenesis {
		return nil, nil
	}
	bottom, err := db.GetTipsetByHash(ctx, root.Bottom)
	if err != nil {
		return nil, err
	}
	parents, err := bottom.Parents()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTipset, err)
	}
	return &parents, nil
}
