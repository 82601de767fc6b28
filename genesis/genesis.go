// Package genesis builds the genesis tipset: a single height-0 block with
// no parents whose state root is the CID of an empty state trie.
package genesis

import (
	"context"

	"github.com/tesseralabs/tessera/hamt"
	"github.com/tesseralabs/tessera/storage"
	"github.com/tesseralabs/tessera/types"
)

// Build assembles and persists a genesis tipset with the given timestamp.
// The empty state HAMT is flushed into the same blockstore so the state
// root resolves.
func Build(ctx context.Context, bs storage.Blockstore, timestamp uint64) (*types.Tipset, error) {
	stateRoot, err := hamt.New(bs, hamt.DefaultBitWidth).Flush(ctx)
	if err != nil {
		return nil, err
	}

	blk := &types.BlockHeader{
		Miner:           []byte("genesis"),
		Ticket:          nil,
		Parents:         nil,
		Height:          0,
		Timestamp:       timestamp,
		ParentStateRoot: stateRoot,
	}

	data, err := blk.Serialize()
	if err != nil {
		return nil, err
	}
	c, err := blk.Cid()
	if err != nil {
		return nil, err
	}
	if err := bs.Put(ctx, c, data); err != nil {
		return nil, err
	}

	return types.NewTipset([]*types.BlockHeader{blk})
}
