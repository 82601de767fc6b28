package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/internal/cborutil"
	"github.com/tesseralabs/tessera/types"
)

// rowCacheSize bounds the in-process row cache in front of pebble.
const rowCacheSize = 1000

// Key space:
//
//	t/<hash>                     -> cbor row
//	p/<branch be64>/<height be64> -> hash
type PebbleDb struct {
	db    *pebble.DB
	cache *lru.Cache[types.TipsetHash, *TipsetInfo]
}

var _ Db = (*PebbleDb)(nil)

// OpenPebble opens (or creates) an index db at the given directory.
func OpenPebble(dir string) (*PebbleDb, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	return NewPebbleDb(db), nil
}

// NewPebbleDb wraps an already opened pebble database.
func NewPebbleDb(db *pebble.DB) *PebbleDb {
	cache, _ := lru.New[types.TipsetHash, *TipsetInfo](rowCacheSize)
	return &PebbleDb{db: db, cache: cache}
}

func (p *PebbleDb) Close() error { return p.db.Close() }

func (p *PebbleDb) Init(ctx context.Context) (map[types.BranchID]*types.BranchInfo, error) {
	rows := make(map[types.TipsetHash]*TipsetInfo)
	iter, err := p.db.NewIter(prefixBounds([]byte("t/")))
	if err != nil {
		return nil, fmt.Errorf("index init: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		hash, err := types.TipsetHashFromBytes(iter.Key()[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad row key: %v", ErrDataIntegrity, err)
		}
		info, err := decodeRow(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
		}
		if info.Key.Hash() != hash {
			return nil, fmt.Errorf("%w: row hash mismatch", ErrDataIntegrity)
		}
		rows[hash] = info
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("index init: %w", err)
	}
	return buildBranches(rows)
}

func (p *PebbleDb) Store(ctx context.Context, info *TipsetInfo, rename *types.RenameBranch) error {
	batch := p.db.NewBatch()
	defer batch.Close()

	if rename != nil {
		if err := p.renameInBatch(batch, rename); err != nil {
			return err
		}
	}

	hash := info.Key.Hash()
	value, err := encodeRow(info)
	if err != nil {
		return err
	}
	if err := batch.Set(rowKey(hash), value, nil); err != nil {
		return fmt.Errorf("index store: %w", err)
	}
	if err := batch.Set(positionKey(info.Branch, info.Height), hash.Bytes(), nil); err != nil {
		return fmt.Errorf("index store: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("index store: %w", err)
	}

	if rename != nil {
		// Mirror the rename into cached rows; values are shared pointers.
		for _, key := range p.cache.Keys() {
			if cached, ok := p.cache.Peek(key); ok {
				if cached.Branch == rename.OldID && cached.Height > rename.AboveHeight {
					cached.Branch = rename.NewID
				}
			}
		}
	}
	cp := *info
	p.cache.Add(hash, &cp)
	return nil
}

func (p *PebbleDb) Rename(ctx context.Context, rename *types.RenameBranch) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := p.renameInBatch(batch, rename); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("index rename: %w", err)
	}
	for _, key := range p.cache.Keys() {
		if cached, ok := p.cache.Peek(key); ok {
			if cached.Branch == rename.OldID && cached.Height > rename.AboveHeight {
				cached.Branch = rename.NewID
			}
		}
	}
	return nil
}

// renameInBatch moves the position rows of OldID above AboveHeight to
// NewID and rewrites the affected tipset rows, all inside the caller's
// batch.
func (p *PebbleDb) renameInBatch(batch *pebble.Batch, rename *types.RenameBranch) error {
	lower := positionKey(rename.OldID, rename.AboveHeight+1)
	upper := positionKey(rename.OldID+1, 0)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("index rename: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		hash, err := types.TipsetHashFromBytes(iter.Value())
		if err != nil {
			return fmt.Errorf("%w: bad position row: %v", ErrDataIntegrity, err)
		}
		info, err := p.getRow(hash)
		if err != nil {
			return err
		}
		info.Branch = rename.NewID
		value, err := encodeRow(info)
		if err != nil {
			return err
		}
		if err := batch.Set(rowKey(hash), value, nil); err != nil {
			return fmt.Errorf("index rename: %w", err)
		}
		if err := batch.Set(positionKey(rename.NewID, info.Height), hash.Bytes(), nil); err != nil {
			return fmt.Errorf("index rename: %w", err)
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return fmt.Errorf("index rename: %w", err)
		}
	}
	return iter.Error()
}

func (p *PebbleDb) Contains(ctx context.Context, hash types.TipsetHash) (bool, error) {
	if _, ok := p.cache.Get(hash); ok {
		return true, nil
	}
	_, closer, err := p.db.Get(rowKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("index contains: %w", err)
	}
	closer.Close()
	return true, nil
}

func (p *PebbleDb) Get(ctx context.Context, hash types.TipsetHash) (*TipsetInfo, error) {
	if cached, ok := p.cache.Get(hash); ok {
		cp := *cached
		return &cp, nil
	}
	info, err := p.getRow(hash)
	if err != nil {
		return nil, err
	}
	p.cache.Add(hash, info)
	cp := *info
	return &cp, nil
}

func (p *PebbleDb) getRow(hash types.TipsetHash) (*TipsetInfo, error) {
	value, closer, err := p.db.Get(rowKey(hash))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrTipsetNotFound
		}
		return nil, fmt.Errorf("index get: %w", err)
	}
	defer closer.Close()
	return decodeRow(value)
}

func (p *PebbleDb) GetByPosition(ctx context.Context, branch types.BranchID, height types.Height) (*TipsetInfo, error) {
	value, closer, err := p.db.Get(positionKey(branch, height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrTipsetNotFound
		}
		return nil, fmt.Errorf("index get position: %w", err)
	}
	hash, err := types.TipsetHashFromBytes(value)
	closer.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: bad position row: %v", ErrDataIntegrity, err)
	}
	return p.Get(ctx, hash)
}

func (p *PebbleDb) WalkForward(ctx context.Context, branch types.BranchID, fromHeight, toHeight types.Height, limit uint64, cb WalkCallback) error {
	if toHeight < fromHeight || limit == 0 {
		return nil
	}
	lower := positionKey(branch, fromHeight)
	upper := positionKey(branch, toHeight+1)
	if toHeight+1 == 0 { // height overflow guard
		upper = positionKey(branch+1, 0)
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("index walk: %w", err)
	}
	defer iter.Close()

	var visited uint64
	for iter.First(); iter.Valid() && visited < limit; iter.Next() {
		hash, err := types.TipsetHashFromBytes(iter.Value())
		if err != nil {
			return fmt.Errorf("%w: bad position row: %v", ErrDataIntegrity, err)
		}
		info, err := p.Get(ctx, hash)
		if err != nil {
			return err
		}
		cb(info)
		visited++
	}
	return iter.Error()
}

func (p *PebbleDb) WalkBackward(ctx context.Context, from types.TipsetHash, toHeight types.Height, cb WalkCallback) error {
	info, err := p.Get(ctx, from)
	if err != nil {
		return err
	}
	for {
		info, err = p.Get(ctx, info.ParentHash)
		if err != nil {
			return err
		}
		if info.Height <= toHeight {
			return nil
		}
		cb(info)
	}
}

func rowKey(hash types.TipsetHash) []byte {
	k := make([]byte, 0, 2+len(hash))
	k = append(k, 't', '/')
	return append(k, hash[:]...)
}

func positionKey(branch types.BranchID, height types.Height) []byte {
	k := make([]byte, 0, 2+8+1+8)
	k = append(k, 'p', '/')
	k = append(k, types.EncodeBranchID(branch)...)
	k = append(k, '/')
	return append(k, types.EncodeHeight(height)...)
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			break
		}
	}
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}

// Row wire form: [cids, branch, height, parentHash].
func encodeRow(info *TipsetInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := cborutil.WriteArrayHeader(&buf, 4); err != nil {
		return nil, err
	}
	cids := info.Key.Cids()
	if err := cborutil.WriteArrayHeader(&buf, uint64(len(cids))); err != nil {
		return nil, err
	}
	for _, c := range cids {
		if err := cborutil.WriteCid(&buf, c); err != nil {
			return nil, err
		}
	}
	if err := cborutil.WriteUint(&buf, uint64(info.Branch)); err != nil {
		return nil, err
	}
	if err := cborutil.WriteUint(&buf, info.Height); err != nil {
		return nil, err
	}
	if err := cborutil.WriteByteString(&buf, info.ParentHash.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRow(data []byte) (*TipsetInfo, error) {
	r := bytes.NewReader(data)
	info, err := readRow(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in row", ErrDataIntegrity)
	}
	return info, nil
}

func readRow(r io.Reader) (*TipsetInfo, error) {
	cnt, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return nil, err
	}
	if cnt != 4 {
		return nil, fmt.Errorf("%w: expected 4 row fields, got %d", ErrDataIntegrity, cnt)
	}
	numCids, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return nil, err
	}
	cids := make([]cid.Cid, numCids)
	for i := range cids {
		if cids[i], err = cborutil.ReadCid(r); err != nil {
			return nil, err
		}
	}
	key, err := types.NewTipsetKey(cids)
	if err != nil {
		return nil, err
	}
	branch, err := cborutil.ReadUint(r)
	if err != nil {
		return nil, err
	}
	height, err := cborutil.ReadUint(r)
	if err != nil {
		return nil, err
	}
	rawParent, err := cborutil.ReadByteString(r)
	if err != nil {
		return nil, err
	}
	parentHash, err := types.TipsetHashFromBytes(rawParent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	}
	return &TipsetInfo{
		Key:        key,
		Branch:     types.BranchID(branch),
		Height:     height,
		ParentHash: parentHash,
	}, nil
}
