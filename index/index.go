// Package index persists tipset metadata rows and rebuilds the branch graph
// they imply at Init; branch records themselves are not stored. It backs
// the chain db's height/branch lookups and forward and backward walks; the
// blockstore keeps the block payloads themselves.
package index

import (
	"context"
	"errors"

	"github.com/tesseralabs/tessera/types"
)

var (
	ErrTipsetNotFound = errors.New("index: tipset not found")
	ErrDataIntegrity  = errors.New("index: data integrity error")
)

// TipsetInfo is one index row: everything the sync layer needs to know
// about a stored tipset without touching the blockstore.
type TipsetInfo struct {
	Key        types.TipsetKey
	Branch     types.BranchID
	Height     types.Height
	ParentHash types.TipsetHash
}

// WalkCallback receives rows during walks. Rows are shared; callers must
// not modify them.
type WalkCallback func(info *TipsetInfo)

// Db persists tipset rows keyed by tipset hash with a secondary
// (branch, height) position index. Store calls are atomic, including the
// branch rename they may carry.
type Db interface {
	// Init loads the stored rows and reconstructs the branch graph:
	// per-branch extents from row positions, parent links by resolving
	// each bottom row's parent hash. Fork sets and sync flags are left
	// for the branch graph to rebuild.
	Init(ctx context.Context) (map[types.BranchID]*types.BranchInfo, error)

	// Store writes one row. A non-nil rename moves the rows of
	// rename.OldID above rename.AboveHeight to rename.NewID in the same
	// atomic batch.
	Store(ctx context.Context, info *TipsetInfo, rename *types.RenameBranch) error

	// Rename applies a branch rename on its own, atomically. Used to
	// persist a split before the in-memory graph is touched.
	Rename(ctx context.Context, rename *types.RenameBranch) error

	Contains(ctx context.Context, hash types.TipsetHash) (bool, error)

	// Get returns the row for hash or ErrTipsetNotFound.
	Get(ctx context.Context, hash types.TipsetHash) (*TipsetInfo, error)

	// GetByPosition returns the row at (branch, height) or
	// ErrTipsetNotFound.
	GetByPosition(ctx context.Context, branch types.BranchID, height types.Height) (*TipsetInfo, error)

	// WalkForward visits rows of branch with heights in
	// [fromHeight, toHeight], ascending, at most limit rows.
	WalkForward(ctx context.Context, branch types.BranchID, fromHeight, toHeight types.Height, limit uint64, cb WalkCallback) error

	// WalkBackward follows parent hashes starting from the row at
	// `from`, visiting each strict ancestor whose height is above
	// toHeight.
	WalkBackward(ctx context.Context, from types.TipsetHash, toHeight types.Height, cb WalkCallback) error
}

// buildBranches reconstructs BranchInfo records from raw rows. Shared by
// the memory and pebble backends.
func buildBranches(rows map[types.TipsetHash]*TipsetInfo) (map[types.BranchID]*types.BranchInfo, error) {
	branches := make(map[types.BranchID]*types.BranchInfo)
	bottoms := make(map[types.BranchID]*TipsetInfo)
	for hash, info := range rows {
		if info.Branch == types.NoBranch {
			return nil, ErrDataIntegrity
		}
		b, ok := branches[info.Branch]
		if !ok {
			b = types.NewBranchInfo()
			b.ID = info.Branch
			b.Top = hash
			b.TopHeight = info.Height
			b.Bottom = hash
			b.BottomHeight = info.Height
			branches[info.Branch] = b
			bottoms[info.Branch] = info
			continue
		}
		if info.Height > b.TopHeight {
			b.Top = hash
			b.TopHeight = info.Height
		}
		if info.Height < b.BottomHeight {
			b.Bottom = hash
			b.BottomHeight = info.Height
			bottoms[info.Branch] = info
		}
	}
	for id, b := range branches {
		bottom := bottoms[id]
		if bottom.ParentHash.IsZero() {
			continue
		}
		b.ParentHash = bottom.ParentHash
		if parentRow, ok := rows[bottom.ParentHash]; ok {
			b.Parent = parentRow.Branch
		}
	}
	return branches, nil
}
