package segment

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

func TestPutGetHasDelete(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b := mustBlock(t, []byte("hello segment"))
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}

	has, err := s.Has(ctx, b.Cid())
	if err != nil || !has {
		t.Fatalf("Has: got (%v,%v), want (true,nil)", has, err)
	}

	got, err := s.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.RawData()) != "hello segment" {
		t.Fatalf("Get returned wrong data: %q", got.RawData())
	}

	if err := s.DeleteBlock(ctx, b.Cid()); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if has, _ := s.Has(ctx, b.Cid()); has {
		t.Fatalf("block should be tombstoned after delete")
	}
}

func TestReopenRecoversState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b := mustBlock(t, []byte("persisted across reopen"))
	if err := s1.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, b.Cid())
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.RawData()) != "persisted across reopen" {
		t.Fatalf("unexpected data after reopen: %q", got.RawData())
	}
}

func TestCompactDropsUnreachableAndKeepsLive(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	live := mustBlock(t, []byte("keep me"))
	dead := mustBlock(t, []byte("drop me"))
	if err := s.Put(ctx, live); err != nil {
		t.Fatalf("Put live: %v", err)
	}
	if err := s.Put(ctx, dead); err != nil {
		t.Fatalf("Put dead: %v", err)
	}

	err = s.Compact(ctx, func(c cid.Cid) bool { return c.Equals(live.Cid()) })
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if has, _ := s.Has(ctx, live.Cid()); !has {
		t.Fatalf("live block missing after compaction")
	}
	if has, _ := s.Has(ctx, dead.Cid()); has {
		t.Fatalf("dead block survived compaction")
	}

	got, err := s.Get(ctx, live.Cid())
	if err != nil || string(got.RawData()) != "keep me" {
		t.Fatalf("live block unreadable or corrupted after compaction: %v", err)
	}
}
