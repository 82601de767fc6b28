package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/tesseralabs/tessera/types"
)

func testKey(t *testing.T, seed string) types.TipsetKey {
	t.Helper()
	h, err := mh.Sum([]byte(seed), mh.BLAKE2B_MIN+31, -1)
	require.NoError(t, err)
	key, err := types.NewTipsetKey([]cid.Cid{cid.NewCidV1(cid.DagCBOR, h)})
	require.NoError(t, err)
	return key
}

func row(t *testing.T, seed string, branch types.BranchID, height types.Height, parent types.TipsetHash) *TipsetInfo {
	t.Helper()
	return &TipsetInfo{
		Key:        testKey(t, seed),
		Branch:     branch,
		Height:     height,
		ParentHash: parent,
	}
}

// chainRows stores a linear chain of n rows in one branch and returns
// them bottom-up, genesis first.
func chainRows(t *testing.T, ctx context.Context, db Db, branch types.BranchID, n int) []*TipsetInfo {
	t.Helper()
	rows := make([]*TipsetInfo, 0, n)
	var parent types.TipsetHash
	for i := 0; i < n; i++ {
		info := row(t, fmt.Sprintf("ts-%d", i), branch, types.Height(i), parent)
		require.NoError(t, db.Store(ctx, info, nil))
		parent = info.Key.Hash()
		rows = append(rows, info)
	}
	return rows
}

func runDbSuite(t *testing.T, open func(t *testing.T) Db) {
	ctx := context.Background()

	t.Run("StoreGet", func(t *testing.T) {
		db := open(t)
		rows := chainRows(t, ctx, db, types.GenesisBranch, 5)

		for _, want := range rows {
			ok, err := db.Contains(ctx, want.Key.Hash())
			require.NoError(t, err)
			require.True(t, ok)

			got, err := db.Get(ctx, want.Key.Hash())
			require.NoError(t, err)
			require.Equal(t, want.Branch, got.Branch)
			require.Equal(t, want.Height, got.Height)
			require.Equal(t, want.ParentHash, got.ParentHash)
			require.True(t, want.Key.Equals(got.Key))

			byPos, err := db.GetByPosition(ctx, want.Branch, want.Height)
			require.NoError(t, err)
			require.Equal(t, want.Key.Hash(), byPos.Key.Hash())
		}

		_, err := db.Get(ctx, types.TipsetHash{0xff})
		require.ErrorIs(t, err, ErrTipsetNotFound)
		_, err = db.GetByPosition(ctx, 9, 9)
		require.ErrorIs(t, err, ErrTipsetNotFound)

		ok, err := db.Contains(ctx, types.TipsetHash{0xff})
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("WalkForward", func(t *testing.T) {
		db := open(t)
		rows := chainRows(t, ctx, db, types.GenesisBranch, 6)

		var visited []types.Height
		err := db.WalkForward(ctx, types.GenesisBranch, 1, 4, 100, func(info *TipsetInfo) {
			visited = append(visited, info.Height)
		})
		require.NoError(t, err)
		require.Equal(t, []types.Height{1, 2, 3, 4}, visited)

		// Limit applies.
		visited = nil
		err = db.WalkForward(ctx, types.GenesisBranch, 0, 5, 2, func(info *TipsetInfo) {
			visited = append(visited, info.Height)
		})
		require.NoError(t, err)
		require.Equal(t, []types.Height{0, 1}, visited)

		// Inverted range is a no-op.
		err = db.WalkForward(ctx, types.GenesisBranch, 4, 1, 100, func(*TipsetInfo) {
			t.Fatal("callback on empty range")
		})
		require.NoError(t, err)
		_ = rows
	})

	t.Run("WalkBackward", func(t *testing.T) {
		db := open(t)
		rows := chainRows(t, ctx, db, types.GenesisBranch, 6)

		var visited []types.Height
		err := db.WalkBackward(ctx, rows[5].Key.Hash(), 1, func(info *TipsetInfo) {
			visited = append(visited, info.Height)
		})
		require.NoError(t, err)
		// Strict ancestors above height 1, top-down.
		require.Equal(t, []types.Height{4, 3, 2}, visited)
	})

	t.Run("SplitRename", func(t *testing.T) {
		db := open(t)
		rows := chainRows(t, ctx, db, types.GenesisBranch, 6)

		rename := &types.RenameBranch{
			OldID:       types.GenesisBranch,
			NewID:       2,
			AboveHeight: 3,
			Split:       true,
		}
		require.NoError(t, db.Rename(ctx, rename))

		for _, want := range rows {
			got, err := db.Get(ctx, want.Key.Hash())
			require.NoError(t, err)
			if want.Height > 3 {
				require.Equal(t, types.BranchID(2), got.Branch, "h=%d", want.Height)
			} else {
				require.Equal(t, types.GenesisBranch, got.Branch, "h=%d", want.Height)
			}
		}

		// Position rows moved with the rename.
		got, err := db.GetByPosition(ctx, 2, 5)
		require.NoError(t, err)
		require.Equal(t, rows[5].Key.Hash(), got.Key.Hash())
		_, err = db.GetByPosition(ctx, types.GenesisBranch, 5)
		require.ErrorIs(t, err, ErrTipsetNotFound)
	})

	t.Run("MergeRenameWithStore", func(t *testing.T) {
		db := open(t)
		base := chainRows(t, ctx, db, types.GenesisBranch, 3)

		// An unsynced subgraph in branch 7 at heights 4..5.
		sub4 := row(t, "sub-4", 7, 4, types.TipsetHash{0xaa})
		sub5 := row(t, "sub-5", 7, 5, sub4.Key.Hash())
		require.NoError(t, db.Store(ctx, sub4, nil))
		require.NoError(t, db.Store(ctx, sub5, nil))

		// The linking tipset merges branch 7 into genesis.
		link := row(t, "link", types.GenesisBranch, 3, base[2].Key.Hash())
		rename := &types.RenameBranch{OldID: 7, NewID: types.GenesisBranch}
		require.NoError(t, db.Store(ctx, link, rename))

		for _, hash := range []types.TipsetHash{sub4.Key.Hash(), sub5.Key.Hash()} {
			got, err := db.Get(ctx, hash)
			require.NoError(t, err)
			require.Equal(t, types.GenesisBranch, got.Branch)
		}
	})

	t.Run("InitRebuildsBranches", func(t *testing.T) {
		db := open(t)
		base := chainRows(t, ctx, db, types.GenesisBranch, 4)

		// Fork branch 2 rooted at base[1].
		fork2 := row(t, "fork-2", 2, 2, base[1].Key.Hash())
		fork3 := row(t, "fork-3", 2, 3, fork2.Key.Hash())
		require.NoError(t, db.Store(ctx, fork2, nil))
		require.NoError(t, db.Store(ctx, fork3, nil))

		// Floating branch 5 whose parent is unknown.
		float9 := row(t, "float-9", 5, 9, types.TipsetHash{0xee})
		require.NoError(t, db.Store(ctx, float9, nil))

		branches, err := db.Init(ctx)
		require.NoError(t, err)
		require.Len(t, branches, 3)

		g := branches[types.GenesisBranch]
		require.NotNil(t, g)
		require.Equal(t, types.Height(0), g.BottomHeight)
		require.Equal(t, types.Height(3), g.TopHeight)
		require.Equal(t, types.NoBranch, g.Parent)
		require.Equal(t, base[0].Key.Hash(), g.Bottom)
		require.Equal(t, base[3].Key.Hash(), g.Top)

		f := branches[2]
		require.NotNil(t, f)
		require.Equal(t, types.GenesisBranch, f.Parent)
		require.Equal(t, base[1].Key.Hash(), f.ParentHash)
		require.Equal(t, types.Height(2), f.BottomHeight)
		require.Equal(t, types.Height(3), f.TopHeight)

		fl := branches[5]
		require.NotNil(t, fl)
		require.Equal(t, types.NoBranch, fl.Parent)
		require.Equal(t, types.TipsetHash{0xee}, fl.ParentHash)
	})
}

func TestMemoryDb(t *testing.T) {
	runDbSuite(t, func(t *testing.T) Db { return NewMemoryDb() })
}

func TestPebbleDb(t *testing.T) {
	runDbSuite(t, func(t *testing.T) Db {
		db, err := OpenPebble(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestRowCodecRoundTrip(t *testing.T) {
	info := row(t, "codec", 3, 17, types.TipsetHash{0x01, 0x02})
	data, err := encodeRow(info)
	require.NoError(t, err)
	decoded, err := decodeRow(data)
	require.NoError(t, err)
	require.True(t, info.Key.Equals(decoded.Key))
	require.Equal(t, info.Branch, decoded.Branch)
	require.Equal(t, info.Height, decoded.Height)
	require.Equal(t, info.ParentHash, decoded.ParentHash)
}
