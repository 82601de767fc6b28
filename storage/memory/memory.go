// Package memory provides an in-memory implementation of storage.Blockstore.
package memory

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/storage"
)

// Store is an in-memory blockstore safe for concurrent readers.
type Store struct {
	mu     sync.RWMutex
	blocks map[cid.Cid][]byte
}

// New creates a new in-memory blockstore.
func New() *Store {
	return &Store{blocks: make(map[cid.Cid][]byte)}
}

func (m *Store) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[c]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Store) Put(_ context.Context, c cid.Cid, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	own := make([]byte, len(data))
	copy(own, data)
	m.blocks[c] = own
	return nil
}

func (m *Store) Has(_ context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c]
	return ok, nil
}

// Len returns the number of stored blocks.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
