// Package pebbledb provides a pebble-backed implementation of
// storage.Blockstore. Values are snappy-compressed before they hit the LSM;
// CIDs already carry the payload hash so no extra integrity data is kept.
package pebbledb

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/golang/snappy"
	"github.com/ipfs/go-cid"

	"github.com/tesseralabs/tessera/storage"
)

// Store is a persistent blockstore over a pebble database.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a blockstore at the given directory.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open blockstore: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already opened pebble database. The caller retains
// ownership of the database handle.
func NewWithDB(db *pebble.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	val, closer, err := s.db.Get(blockKey(c))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("blockstore get: %w", err)
	}
	defer closer.Close()
	data, err := snappy.Decode(nil, val)
	if err != nil {
		return nil, fmt.Errorf("blockstore decompress: %w", err)
	}
	return data, nil
}

func (s *Store) Put(_ context.Context, c cid.Cid, data []byte) error {
	if err := s.db.Set(blockKey(c), snappy.Encode(nil, data), pebble.Sync); err != nil {
		return fmt.Errorf("blockstore put: %w", err)
	}
	return nil
}

func (s *Store) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, closer, err := s.db.Get(blockKey(c))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("blockstore has: %w", err)
	}
	closer.Close()
	return true, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func blockKey(c cid.Cid) []byte {
	k := make([]byte, 0, c.ByteLen()+2)
	k = append(k, 'b', '/')
	return append(k, c.Bytes()...)
}
