// Package cborutil provides the low-level dag-cbor primitives shared by the
// block header and HAMT node codecs.
package cborutil

import (
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// dag-cbor encodes CIDs as tag 42 around the binary CID prefixed with the
// multibase identity byte 0x00.
const cidTag = 42

// MaxLength bounds variable-length fields read from untrusted blocks.
const MaxLength = 1 << 20

var ErrLengthExceeded = errors.New("cbor: length exceeds maximum")

func WriteArrayHeader(w io.Writer, n uint64) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajArray, n)
}

func WriteMapHeader(w io.Writer, n uint64) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajMap, n)
}

func WriteUint(w io.Writer, v uint64) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, v)
}

func WriteByteString(w io.Writer, b []byte) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func WriteTextString(w io.Writer, s string) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTextString, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func WriteCid(w io.Writer, c cid.Cid) error {
	if !c.Defined() {
		return errors.New("cbor: cannot encode undefined cid")
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTag, cidTag); err != nil {
		return err
	}
	raw := c.Bytes()
	buf := make([]byte, 0, len(raw)+1)
	buf = append(buf, 0) // identity multibase prefix
	buf = append(buf, raw...)
	return WriteByteString(w, buf)
}

func ReadArrayHeader(r io.Reader) (uint64, error) {
	return readHeader(r, cbg.MajArray)
}

func ReadMapHeader(r io.Reader) (uint64, error) {
	return readHeader(r, cbg.MajMap)
}

func ReadUint(r io.Reader) (uint64, error) {
	return readHeader(r, cbg.MajUnsignedInt)
}

func ReadByteString(r io.Reader) ([]byte, error) {
	n, err := readHeader(r, cbg.MajByteString)
	if err != nil {
		return nil, err
	}
	if n > MaxLength {
		return nil, ErrLengthExceeded
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func ReadTextString(r io.Reader) (string, error) {
	n, err := readHeader(r, cbg.MajTextString)
	if err != nil {
		return "", err
	}
	if n > MaxLength {
		return "", ErrLengthExceeded
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func ReadCid(r io.Reader) (cid.Cid, error) {
	tag, err := readHeader(r, cbg.MajTag)
	if err != nil {
		return cid.Undef, err
	}
	if tag != cidTag {
		return cid.Undef, fmt.Errorf("cbor: expected cid tag %d, got %d", cidTag, tag)
	}
	buf, err := ReadByteString(r)
	if err != nil {
		return cid.Undef, err
	}
	if len(buf) == 0 || buf[0] != 0 {
		return cid.Undef, errors.New("cbor: invalid cid multibase prefix")
	}
	c, err := cid.Cast(buf[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("cbor: cast cid: %w", err)
	}
	return c, nil
}

func readHeader(r io.Reader, want byte) (uint64, error) {
	maj, n, err := cbg.CborReadHeader(toByteReader(r))
	if err != nil {
		return 0, err
	}
	if maj != want {
		return 0, fmt.Errorf("cbor: expected major type %d, got %d", want, maj)
	}
	return n, nil
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

type byteReaderWrap struct {
	io.Reader
}

func (b byteReaderWrap) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func toByteReader(r io.Reader) byteReader {
	if br, ok := r.(byteReader); ok {
		return br
	}
	return byteReaderWrap{r}
}
