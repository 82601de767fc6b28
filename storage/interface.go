// Package storage defines the content-addressed blockstore contract used to
// persist CBOR-encoded chain and state objects by CID.
package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrNotFound is returned when a CID has no data in the store.
var ErrNotFound = errors.New("blockstore: not found")

// Blockstore is an opaque CID-to-bytes mapping. Values are expected to be
// dag-cbor encoded; the store does not inspect them.
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	Put(ctx context.Context, c cid.Cid, data []byte) error
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// CborMarshaler is implemented by objects that know their dag-cbor form.
type CborMarshaler interface {
	MarshalCBOR(w io.Writer) error
}

// CborUnmarshaler is the decoding counterpart of CborMarshaler.
type CborUnmarshaler interface {
	UnmarshalCBOR(r io.Reader) error
}

// SumCid computes the content address for a dag-cbor payload: CIDv1,
// dag-cbor codec, blake2b-256 multihash.
func SumCid(data []byte) (cid.Cid, error) {
	h, err := mh.Sum(data, mh.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, h), nil
}

// PutCbor serializes the object, stores it under its computed CID and
// returns that CID.
func PutCbor(ctx context.Context, bs Blockstore, obj CborMarshaler) (cid.Cid, error) {
	var buf bytes.Buffer
	if err := obj.MarshalCBOR(&buf); err != nil {
		return cid.Undef, err
	}
	data := buf.Bytes()
	c, err := SumCid(data)
	if err != nil {
		return cid.Undef, err
	}
	if err := bs.Put(ctx, c, data); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// GetCbor fetches the payload at c and decodes it into obj.
func GetCbor(ctx context.Context, bs Blockstore, c cid.Cid, obj CborUnmarshaler) error {
	data, err := bs.Get(ctx, c)
	if err != nil {
		return err
	}
	return obj.UnmarshalCBOR(bytes.NewReader(data))
}
