package hamt

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/internal/cborutil"
)

// leaf maps key strings to their values. A leaf never exceeds LeafMax
// entries: set pushes a full leaf down into a child node instead of
// growing it.
type leaf map[string][]byte

// item is a three-way variant: an unloaded subtree (cid defined), a loaded
// subtree (node set) or a leaf. Exactly one of the three is set. Items are
// addressed through pointers so a CID can be resolved to a node in place;
// each item cell is exclusively owned by its parent slot.
type item struct {
	cid  cid.Cid
	node *node
	leaf leaf
}

func cidItem(c cid.Cid) *item { return &item{cid: c} }
func nodeItem(n *node) *item  { return &item{node: n} }
func leafItem(l leaf) *item   { return &item{leaf: l} }

func (it *item) isUnloaded() bool { return it.node == nil && it.leaf == nil }

// setNode turns the item into a loaded-subtree variant.
func (it *item) setNode(n *node) {
	it.cid = cid.Undef
	it.leaf = nil
	it.node = n
}

// setLeaf turns the item into a leaf variant.
func (it *item) setLeaf(l leaf) {
	it.cid = cid.Undef
	it.node = nil
	it.leaf = l
}

// node is one internal trie node: a sparse array of up to 2^bitWidth slots.
type node struct {
	items map[int]*item
}

func newNode() *node {
	return &node{items: make(map[int]*item)}
}

// slots returns the occupied slot indices in ascending order. All node
// traversals use this order so serialization and visits are deterministic.
func (n *node) slots() []int {
	out := make([]int, 0, len(n.items))
	for idx := range n.items {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// sortedKeys returns leaf keys in ascending order.
func sortedKeys(l leaf) []string {
	out := make([]string, 0, len(l))
	for k := range l {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Wire form (Filecoin HAMT v0 compatible): a node is the array
// [bitmap, [pointer...]] where the bitmap is a big-endian integer with bit
// k set iff slot k is occupied, and each pointer is a single-entry map:
// {0: CID} for an internal link or {1: [[key, value]...]} for a leaf.
const (
	pointerKeyLink = 0
	pointerKeyLeaf = 1
)

func encodeNode(n *node) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeNode(&buf, n); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeNode(w io.Writer, n *node) error {
	if err := cborutil.WriteArrayHeader(w, 2); err != nil {
		return err
	}

	slots := n.slots()
	bitmap := new(big.Int)
	for _, idx := range slots {
		bitmap.SetBit(bitmap, idx, 1)
	}
	if err := cborutil.WriteByteString(w, bitmap.Bytes()); err != nil {
		return err
	}

	if err := cborutil.WriteArrayHeader(w, uint64(len(slots))); err != nil {
		return err
	}
	for _, idx := range slots {
		if err := writePointer(w, n.items[idx]); err != nil {
			return err
		}
	}
	return nil
}

func writePointer(w io.Writer, it *item) error {
	if err := cborutil.WriteMapHeader(w, 1); err != nil {
		return err
	}
	switch {
	case it.leaf != nil:
		if err := cborutil.WriteUint(w, pointerKeyLeaf); err != nil {
			return err
		}
		keys := sortedKeys(it.leaf)
		if err := cborutil.WriteArrayHeader(w, uint64(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := cborutil.WriteArrayHeader(w, 2); err != nil {
				return err
			}
			if err := cborutil.WriteTextString(w, k); err != nil {
				return err
			}
			if err := cborutil.WriteByteString(w, it.leaf[k]); err != nil {
				return err
			}
		}
		return nil
	case it.cid.Defined():
		if err := cborutil.WriteUint(w, pointerKeyLink); err != nil {
			return err
		}
		return cborutil.WriteCid(w, it.cid)
	default:
		// Loaded subtrees are flushed to CIDs before their parent is
		// serialized; reaching here means flush ordering was violated.
		return ErrExpectedCid
	}
}

func decodeNode(data []byte) (*node, error) {
	r := bytes.NewReader(data)
	n, err := readNode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return n, nil
}

func readNode(r io.Reader) (*node, error) {
	cnt, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return nil, err
	}
	if cnt != 2 {
		return nil, fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformed, cnt)
	}

	rawBitmap, err := cborutil.ReadByteString(r)
	if err != nil {
		return nil, err
	}
	bitmap := new(big.Int).SetBytes(rawBitmap)

	numPointers, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return nil, err
	}

	n := newNode()
	next := 0
	maxBits := len(rawBitmap) * 8
	for i := uint64(0); i < numPointers; i++ {
		for next < maxBits && bitmap.Bit(next) == 0 {
			next++
		}
		if next >= maxBits {
			return nil, fmt.Errorf("%w: more pointers than bitmap bits", ErrMalformed)
		}
		it, err := readPointer(r)
		if err != nil {
			return nil, err
		}
		n.items[next] = it
		next++
	}
	for next < maxBits {
		if bitmap.Bit(next) != 0 {
			return nil, fmt.Errorf("%w: more bitmap bits than pointers", ErrMalformed)
		}
		next++
	}
	return n, nil
}

func readPointer(r io.Reader) (*item, error) {
	cnt, err := cborutil.ReadMapHeader(r)
	if err != nil {
		return nil, err
	}
	if cnt != 1 {
		return nil, fmt.Errorf("%w: pointer map must have one entry", ErrMalformed)
	}
	key, err := cborutil.ReadUint(r)
	if err != nil {
		return nil, err
	}
	switch key {
	case pointerKeyLink:
		c, err := cborutil.ReadCid(r)
		if err != nil {
			return nil, err
		}
		return cidItem(c), nil
	case pointerKeyLeaf:
		numPairs, err := cborutil.ReadArrayHeader(r)
		if err != nil {
			return nil, err
		}
		l := make(leaf, numPairs)
		for i := uint64(0); i < numPairs; i++ {
			pc, err := cborutil.ReadArrayHeader(r)
			if err != nil {
				return nil, err
			}
			if pc != 2 {
				return nil, fmt.Errorf("%w: leaf entry must be a pair", ErrMalformed)
			}
			k, err := cborutil.ReadTextString(r)
			if err != nil {
				return nil, err
			}
			v, err := cborutil.ReadByteString(r)
			if err != nil {
				return nil, err
			}
			l[k] = v
		}
		return leafItem(l), nil
	default:
		return nil, fmt.Errorf("%w: unknown pointer key %d", ErrMalformed, key)
	}
}
