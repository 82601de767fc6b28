// Package hamt implements a persistent hash-array-mapped trie over a
// content-addressed blockstore. Keys are arbitrary strings; values are raw
// bytes. Subtrees are loaded lazily and written back bottom-up on Flush,
// which makes structurally equal tries flush to identical root CIDs.
package hamt

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/storage"
)

const (
	// DefaultBitWidth is the number of hash bits consumed per trie level.
	DefaultBitWidth = 5

	// LeafMax is the maximum number of entries a leaf holds before it is
	// split into a subtree.
	LeafMax = 3
)

// Hamt is a mutable view over a persistent trie. It is not safe for
// concurrent use; the sync engine serializes all mutations on one
// goroutine.
type Hamt struct {
	bs       storage.Blockstore
	root     *item
	bitWidth int
}

// New creates an empty trie with the given bit width.
func New(bs storage.Blockstore, bitWidth int) *Hamt {
	if bitWidth <= 0 {
		bitWidth = DefaultBitWidth
	}
	return &Hamt{bs: bs, root: nodeItem(newNode()), bitWidth: bitWidth}
}

// Load opens an existing trie rooted at the given CID. The root node is
// fetched on first access.
func Load(bs storage.Blockstore, root cid.Cid, bitWidth int) *Hamt {
	if bitWidth <= 0 {
		bitWidth = DefaultBitWidth
	}
	return &Hamt{bs: bs, root: cidItem(root), bitWidth: bitWidth}
}

// Set inserts or replaces the value under key.
func (h *Hamt) Set(ctx context.Context, key string, value []byte) error {
	if err := h.loadItem(ctx, h.root); err != nil {
		return err
	}
	own := make([]byte, len(value))
	copy(own, value)
	return h.set(ctx, h.root.node, h.keyToIndices(key, -1), key, own)
}

// Get returns the value under key, or ErrNotFound.
func (h *Hamt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := h.loadItem(ctx, h.root); err != nil {
		return nil, err
	}
	n := h.root.node
	for _, index := range h.keyToIndices(key, -1) {
		it, ok := n.items[index]
		if !ok {
			return nil, ErrNotFound
		}
		if err := h.loadItem(ctx, it); err != nil {
			return nil, err
		}
		if it.node != nil {
			n = it.node
			continue
		}
		v, ok := it.leaf[key]
		if !ok {
			return nil, ErrNotFound
		}
		return v, nil
	}
	return nil, ErrMaxDepth
}

// Contains reports whether key is present.
func (h *Hamt) Contains(ctx context.Context, key string) (bool, error) {
	_, err := h.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Remove deletes the value under key, or returns ErrNotFound. Shards left
// small by the deletion are collapsed back into leaves on unwind so the
// trie stays in canonical form.
func (h *Hamt) Remove(ctx context.Context, key string) error {
	if err := h.loadItem(ctx, h.root); err != nil {
		return err
	}
	return h.remove(ctx, h.root.node, h.keyToIndices(key, -1), key)
}

// Flush serializes all loaded subtrees to the blockstore bottom-up,
// replacing each loaded node by its CID, and returns the root CID.
func (h *Hamt) Flush(ctx context.Context) (cid.Cid, error) {
	if err := h.flush(ctx, h.root); err != nil {
		return cid.Undef, err
	}
	return h.root.cid, nil
}

// Root returns the CID of the last flush. It fails with ErrExpectedCid
// whenever the root node is held in memory: after New, or after any access
// since the last Flush or Load, even a read-only one.
func (h *Hamt) Root() (cid.Cid, error) {
	if h.root.node != nil || !h.root.cid.Defined() {
		return cid.Undef, ErrExpectedCid
	}
	return h.root.cid, nil
}

// Visitor receives each key-value pair during Visit. Returning an error
// stops the traversal.
type Visitor func(key string, value []byte) error

// Visit walks all entries in deterministic slot order, loading subtrees on
// demand.
func (h *Hamt) Visit(ctx context.Context, visitor Visitor) error {
	return h.visit(ctx, h.root, visitor)
}

// keyToIndices derives the per-level slot indices from sha256(key),
// consuming bitWidth bits per level MSB-first. Trailing bits that do not
// fill a whole group are discarded. With n >= 1 only the last n-1 indices
// are produced, aligning re-inserted leaf entries with the depth of a new
// child node.
func (h *Hamt) keyToIndices(key string, n int) []int {
	hash := sha256.Sum256([]byte(key))
	const byteBits = 8
	maxBits := byteBits * len(hash)
	maxBits -= maxBits % h.bitWidth
	offset := 0
	if n >= 0 {
		offset = maxBits - (n-1)*h.bitWidth
	}
	var indices []int
	for offset+h.bitWidth <= maxBits {
		index := 0
		for i := 0; i < h.bitWidth; i, offset = i+1, offset+1 {
			index <<= 1
			index |= 1 & int(hash[offset/byteBits]>>(byteBits-1-offset%byteBits))
		}
		indices = append(indices, index)
	}
	return indices
}

func (h *Hamt) set(ctx context.Context, n *node, indices []int, key string, value []byte) error {
	if len(indices) == 0 {
		return ErrMaxDepth
	}
	index := indices[0]
	it, ok := n.items[index]
	if !ok {
		n.items[index] = leafItem(leaf{key: value})
		return nil
	}
	if err := h.loadItem(ctx, it); err != nil {
		return err
	}
	if it.node != nil {
		return h.set(ctx, it.node, indices[1:], key, value)
	}
	l := it.leaf
	if _, has := l[key]; has || len(l) < LeafMax {
		l[key] = value
		return nil
	}
	// Full leaf without the key: push the existing entries one level down.
	// Each entry re-derives its own index path so only the suffix below
	// this level is used.
	child := newNode()
	if err := h.set(ctx, child, indices[1:], key, value); err != nil {
		return err
	}
	for _, k := range sortedKeys(l) {
		sub := h.keyToIndices(k, len(indices))
		if err := h.set(ctx, child, sub, k, l[k]); err != nil {
			return err
		}
	}
	it.setNode(child)
	return nil
}

func (h *Hamt) remove(ctx context.Context, n *node, indices []int, key string) error {
	if len(indices) == 0 {
		return ErrMaxDepth
	}
	index := indices[0]
	it, ok := n.items[index]
	if !ok {
		return ErrNotFound
	}
	if err := h.loadItem(ctx, it); err != nil {
		return err
	}
	if it.node != nil {
		if err := h.remove(ctx, it.node, indices[1:], key); err != nil {
			return err
		}
		return h.cleanShard(it)
	}
	l := it.leaf
	if _, has := l[key]; !has {
		return ErrNotFound
	}
	if len(l) == 1 {
		delete(n.items, index)
	} else {
		delete(l, key)
	}
	return nil
}

// cleanShard restores canonical form after a removal below it: a node left
// with a single leaf collapses to that leaf, and a node whose leaves sum to
// at most LeafMax entries collapses into one leaf. Single-child nodes
// holding a subtree link are kept as-is for CID compatibility.
func (h *Hamt) cleanShard(it *item) error {
	n := it.node
	if len(n.items) == 1 {
		for _, only := range n.items {
			if only.leaf != nil {
				it.setLeaf(only.leaf)
			}
		}
		return nil
	}
	if len(n.items) <= LeafMax {
		merged := make(leaf)
		for _, sub := range n.items {
			if sub.leaf == nil {
				return nil
			}
			for k, v := range sub.leaf {
				merged[k] = v
				if len(merged) > LeafMax {
					return nil
				}
			}
		}
		it.setLeaf(merged)
	}
	return nil
}

func (h *Hamt) flush(ctx context.Context, it *item) error {
	if it.node == nil {
		return nil
	}
	n := it.node
	for _, index := range n.slots() {
		if err := h.flush(ctx, n.items[index]); err != nil {
			return err
		}
	}
	data, err := encodeNode(n)
	if err != nil {
		return err
	}
	c, err := storage.SumCid(data)
	if err != nil {
		return err
	}
	if err := h.bs.Put(ctx, c, data); err != nil {
		return err
	}
	it.node = nil
	it.cid = c
	return nil
}

func (h *Hamt) loadItem(ctx context.Context, it *item) error {
	if !it.isUnloaded() {
		return nil
	}
	if !it.cid.Defined() {
		return ErrExpectedCid
	}
	data, err := h.bs.Get(ctx, it.cid)
	if err != nil {
		return err
	}
	n, err := decodeNode(data)
	if err != nil {
		return err
	}
	it.setNode(n)
	return nil
}

func (h *Hamt) visit(ctx context.Context, it *item, visitor Visitor) error {
	if err := h.loadItem(ctx, it); err != nil {
		return err
	}
	if it.node != nil {
		for _, index := range it.node.slots() {
			if err := h.visit(ctx, it.node.items[index], visitor); err != nil {
				return err
			}
		}
		return nil
	}
	for _, k := range sortedKeys(it.leaf) {
		if err := visitor(k, it.leaf[k]); err != nil {
			return err
		}
	}
	return nil
}
