package types

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/tesseralabs/tessera/internal/cborutil"
)

// BlockHeader is a single block within a tipset. Headers are immutable once
// their CID has been computed.
type BlockHeader struct {
	Miner           []byte
	Ticket          []byte
	Parents         []cid.Cid
	Height          Height
	Timestamp       uint64
	ParentStateRoot cid.Cid
}

const blockHeaderFields = 6

// MarshalCBOR encodes the header as a dag-cbor array.
func (b *BlockHeader) MarshalCBOR(w io.Writer) error {
	if err := cborutil.WriteArrayHeader(w, blockHeaderFields); err != nil {
		return err
	}
	if err := cborutil.WriteByteString(w, b.Miner); err != nil {
		return err
	}
	if err := cborutil.WriteByteString(w, b.Ticket); err != nil {
		return err
	}
	if err := cborutil.WriteArrayHeader(w, uint64(len(b.Parents))); err != nil {
		return err
	}
	for _, p := range b.Parents {
		if err := cborutil.WriteCid(w, p); err != nil {
			return err
		}
	}
	if err := cborutil.WriteUint(w, b.Height); err != nil {
		return err
	}
	if err := cborutil.WriteUint(w, b.Timestamp); err != nil {
		return err
	}
	return cborutil.WriteCid(w, b.ParentStateRoot)
}

// UnmarshalCBOR decodes a header previously encoded by MarshalCBOR.
func (b *BlockHeader) UnmarshalCBOR(r io.Reader) error {
	n, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if n != blockHeaderFields {
		return fmt.Errorf("block header: expected %d fields, got %d", blockHeaderFields, n)
	}
	if b.Miner, err = cborutil.ReadByteString(r); err != nil {
		return err
	}
	if b.Ticket, err = cborutil.ReadByteString(r); err != nil {
		return err
	}
	np, err := cborutil.ReadArrayHeader(r)
	if err != nil {
		return err
	}
	if np > maxTipsetBlocks*maxTipsetBlocks {
		return fmt.Errorf("block header: too many parents (%d)", np)
	}
	b.Parents = make([]cid.Cid, np)
	for i := range b.Parents {
		if b.Parents[i], err = cborutil.ReadCid(r); err != nil {
			return err
		}
	}
	if b.Height, err = cborutil.ReadUint(r); err != nil {
		return err
	}
	if b.Timestamp, err = cborutil.ReadUint(r); err != nil {
		return err
	}
	b.ParentStateRoot, err = cborutil.ReadCid(r)
	return err
}

// Serialize returns the dag-cbor encoding of the header.
func (b *BlockHeader) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Cid computes the content address of the header: a CIDv1 with the dag-cbor
// codec over a blake2b-256 multihash of the serialized form.
func (b *BlockHeader) Cid() (cid.Cid, error) {
	data, err := b.Serialize()
	if err != nil {
		return cid.Undef, err
	}
	h, err := mh.Sum(data, mh.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, h), nil
}

// DecodeBlockHeader deserializes a header from its dag-cbor encoding.
func DecodeBlockHeader(data []byte) (*BlockHeader, error) {
	var b BlockHeader
	if err := b.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &b, nil
}
