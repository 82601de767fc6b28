package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	"golang.org/x/crypto/blake2b"
)

// maxTipsetBlocks bounds the number of blocks accepted in one tipset.
const maxTipsetBlocks = 64

var (
	ErrEmptyTipset      = errors.New("tipset: no blocks")
	ErrHeightMismatch   = errors.New("tipset: blocks at different heights")
	ErrParentsMismatch  = errors.New("tipset: blocks with different parents")
	ErrTooManyBlocks    = errors.New("tipset: too many blocks")
	ErrDuplicateBlock   = errors.New("tipset: duplicate block")
	ErrBlockOutOfOrder  = errors.New("tipset: blocks out of canonical order")
	ErrUndefinedBlockID = errors.New("tipset: undefined block cid")
)

// TipsetKey is the ordered sequence of block CIDs identifying a tipset.
// The zero value is the empty key (used for genesis parents).
type TipsetKey struct {
	cids []cid.Cid
	hash TipsetHash
}

// NewTipsetKey builds a key from ordered block CIDs and computes its hash.
func NewTipsetKey(cids []cid.Cid) (TipsetKey, error) {
	for _, c := range cids {
		if !c.Defined() {
			return TipsetKey{}, ErrUndefinedBlockID
		}
	}
	own := make([]cid.Cid, len(cids))
	copy(own, cids)
	return TipsetKey{cids: own, hash: hashCids(own)}, nil
}

// Cids returns the ordered block CIDs. Callers must not modify the slice.
func (k TipsetKey) Cids() []cid.Cid { return k.cids }

// Hash returns the blake2b-256 digest of the concatenated CID bytes. The
// empty key hashes to the zero digest.
func (k TipsetKey) Hash() TipsetHash { return k.hash }

// Empty reports whether the key holds no CIDs (the genesis parent key).
func (k TipsetKey) Empty() bool { return len(k.cids) == 0 }

func (k TipsetKey) Equals(other TipsetKey) bool {
	if len(k.cids) != len(other.cids) {
		return false
	}
	for i := range k.cids {
		if !k.cids[i].Equals(other.cids[i]) {
			return false
		}
	}
	return true
}

func (k TipsetKey) String() string {
	parts := make([]string, len(k.cids))
	for i, c := range k.cids {
		parts[i] = c.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func hashCids(cids []cid.Cid) TipsetHash {
	// The empty key (genesis parent) hashes to the zero digest so that
	// "no parent" is representable as a map key.
	if len(cids) == 0 {
		return TipsetHash{}
	}
	h, _ := blake2b.New256(nil)
	for _, c := range cids {
		h.Write(c.Bytes())
	}
	var out TipsetHash
	copy(out[:], h.Sum(nil))
	return out
}

// Tipset is an immutable set of blocks sharing a height and parent set.
type Tipset struct {
	Key    TipsetKey
	Blocks []*BlockHeader
	Height Height
}

// NewTipset assembles a tipset from headers, validating that all blocks
// share one height and one parent set and appear in canonical order
// (ticket, then CID, ties broken by CID).
func NewTipset(blocks []*BlockHeader) (*Tipset, error) {
	if len(blocks) == 0 {
		return nil, ErrEmptyTipset
	}
	if len(blocks) > maxTipsetBlocks {
		return nil, ErrTooManyBlocks
	}

	height := blocks[0].Height
	parents := blocks[0].Parents
	cids := make([]cid.Cid, len(blocks))
	for i, b := range blocks {
		if b.Height != height {
			return nil, ErrHeightMismatch
		}
		if !sameParents(b.Parents, parents) {
			return nil, ErrParentsMismatch
		}
		c, err := b.Cid()
		if err != nil {
			return nil, fmt.Errorf("tipset: hash block %d: %w", i, err)
		}
		cids[i] = c
	}

	for i := 1; i < len(blocks); i++ {
		switch cmp := compareBlocks(blocks[i-1], cids[i-1], blocks[i], cids[i]); {
		case cmp == 0:
			return nil, ErrDuplicateBlock
		case cmp > 0:
			return nil, ErrBlockOutOfOrder
		}
	}

	key, err := NewTipsetKey(cids)
	if err != nil {
		return nil, err
	}
	return &Tipset{Key: key, Blocks: blocks, Height: height}, nil
}

// SortBlocks arranges headers into canonical tipset order in place.
func SortBlocks(blocks []*BlockHeader) error {
	cids := make([]cid.Cid, len(blocks))
	for i, b := range blocks {
		c, err := b.Cid()
		if err != nil {
			return err
		}
		cids[i] = c
	}
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		return compareBlocks(blocks[i], cids[i], blocks[j], cids[j]) < 0
	})
	sorted := make([]*BlockHeader, len(blocks))
	for i, idx := range order {
		sorted[i] = blocks[idx]
	}
	copy(blocks, sorted)
	return nil
}

func compareBlocks(a *BlockHeader, ac cid.Cid, b *BlockHeader, bc cid.Cid) int {
	if c := bytes.Compare(a.Ticket, b.Ticket); c != 0 {
		return c
	}
	return bytes.Compare(ac.Bytes(), bc.Bytes())
}

func sameParents(a, b []cid.Cid) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

// Parents returns the tipset key of the parent tipset. Genesis returns the
// empty key.
func (t *Tipset) Parents() (TipsetKey, error) {
	return NewTipsetKey(t.Blocks[0].Parents)
}

// ParentHash returns the hash of the parent tipset key. For genesis this is
// the zero hash.
func (t *Tipset) ParentHash() TipsetHash {
	if len(t.Blocks[0].Parents) == 0 {
		return TipsetHash{}
	}
	return hashCids(t.Blocks[0].Parents)
}

func (t *Tipset) String() string {
	return fmt.Sprintf("tipset(h=%d %s)", t.Height, t.Key.Hash().Short())
}
