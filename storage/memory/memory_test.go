package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/tesseralabs/tessera/storage"
)

func TestPutGetHas(t *testing.T) {
	ctx := context.Background()
	bs := New()

	data := []byte{0x82, 0x01, 0x02}
	c, err := storage.SumCid(data)
	if err != nil {
		t.Fatalf("SumCid: %v", err)
	}

	if ok, err := bs.Has(ctx, c); err != nil || ok {
		t.Fatalf("Has before put: %v, %v", ok, err)
	}
	if _, err := bs.Get(ctx, c); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get before put: %v", err)
	}

	if err := bs.Put(ctx, c, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bs.Get(ctx, c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(data) {
		t.Error("payload mismatch")
	}
	if ok, _ := bs.Has(ctx, c); !ok {
		t.Error("Has after put")
	}

	// Mutating the returned slice must not corrupt the store.
	got[0] = 0xff
	again, _ := bs.Get(ctx, c)
	if again[0] != 0x82 {
		t.Error("store shares its buffers")
	}
}

func TestSumCidDeterministic(t *testing.T) {
	a, err := storage.SumCid([]byte("payload"))
	if err != nil {
		t.Fatalf("SumCid: %v", err)
	}
	b, _ := storage.SumCid([]byte("payload"))
	if !a.Equals(b) {
		t.Error("same payload must map to same cid")
	}
	c, _ := storage.SumCid([]byte("other"))
	if a.Equals(c) {
		t.Error("different payloads must map to different cids")
	}
}
