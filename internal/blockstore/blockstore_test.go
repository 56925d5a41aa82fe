package blockstore

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func mustBlock(t *testing.T, data []byte) blocks.Block {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)
	b, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		t.Fatalf("NewBlockWithCid: %v", err)
	}
	return b
}

func TestMemoryBasics(t *testing.T) {
	ctx := context.Background()
	bs := NewMemory()

	b := mustBlock(t, []byte("payload"))
	if err := bs.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	has, err := bs.Has(ctx, b.Cid())
	if err != nil || !has {
		t.Fatalf("Has: got (%v,%v)", has, err)
	}
	got, err := bs.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.RawData()) != "payload" {
		t.Fatalf("unexpected data %q", got.RawData())
	}

	size, err := bs.GetSize(ctx, b.Cid())
	if err != nil || size != len("payload") {
		t.Fatalf("GetSize: got (%d,%v)", size, err)
	}

	if err := bs.DeleteBlock(ctx, b.Cid()); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if has, _ := bs.Has(ctx, b.Cid()); has {
		t.Fatalf("block should be gone after delete")
	}
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	bs := NewMemory()
	missing := mustBlock(t, []byte("never put")).Cid()
	if _, err := bs.Get(ctx, missing); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestViewOrGetUsesViewer(t *testing.T) {
	ctx := context.Background()
	bs := NewMemory() // memory implements Viewer, so this exercises the zero-copy path
	b := mustBlock(t, []byte("viewed"))
	if err := bs.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	var seen []byte
	if err := ViewOrGet(ctx, bs, b.Cid(), func(data []byte) error {
		seen = append(seen, data...)
		return nil
	}); err != nil {
		t.Fatalf("ViewOrGet: %v", err)
	}
	if string(seen) != "viewed" {
		t.Fatalf("unexpected viewed data %q", seen)
	}
}
