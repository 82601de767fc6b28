// Package types defines the primitive and composite types for the tipset
// chain: block headers, tipset keys, tipsets and branch metadata.
package types

import (
	"encoding/binary"
	"fmt"
)

// Primitive types.
type Height = uint64
type BranchID uint64

// Branch id space. NoBranch marks an absent branch reference; the genesis
// branch always has id GenesisBranch when loaded.
const (
	NoBranch      BranchID = 0
	GenesisBranch BranchID = 1
)

// TipsetHash is the blake2b-256 digest of a tipset's ordered block CIDs.
type TipsetHash [32]byte

func (h TipsetHash) IsZero() bool { return h == TipsetHash{} }

// Short returns a short hex representation of the hash (first 4 bytes).
func (h TipsetHash) Short() string {
	return fmt.Sprintf("%x", h[:4])
}

func (h TipsetHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Bytes returns the digest as a fresh byte slice.
func (h TipsetHash) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// TipsetHashFromBytes converts a raw 32-byte digest into a TipsetHash.
func TipsetHashFromBytes(b []byte) (TipsetHash, error) {
	var h TipsetHash
	if len(b) != len(h) {
		return h, fmt.Errorf("tipset hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// EncodeBranchID renders a branch id as a fixed-width big-endian key part,
// so lexicographic order in the index db matches numeric order.
func EncodeBranchID(id BranchID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// EncodeHeight renders a height as a fixed-width big-endian key part.
func EncodeHeight(h Height) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}
