package chain

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
)

func TestMessagesAMTRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()

	var want []*SignedMessage
	for i := uint64(0); i < 5; i++ {
		want = append(want, &SignedMessage{
			Message:   *sampleMessage(t, i),
			Signature: &crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: []byte{byte(i)}},
		})
	}

	root, err := BuildMessagesAMT(ctx, bs, want)
	if err != nil {
		t.Fatalf("BuildMessagesAMT: %v", err)
	}
	if root == cid.Undef {
		t.Fatalf("BuildMessagesAMT returned undef root")
	}

	got, err := LoadMessagesAMT(ctx, bs, root)
	if err != nil {
		t.Fatalf("LoadMessagesAMT: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("message count mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		wc, err := want[i].Cid()
		if err != nil {
			t.Fatalf("Cid(want[%d]): %v", i, err)
		}
		gc, err := got[i].Cid()
		if err != nil {
			t.Fatalf("Cid(got[%d]): %v", i, err)
		}
		if !wc.Equals(gc) {
			t.Fatalf("message %d round-tripped with a different cid", i)
		}
	}
}

func TestMessagesAMTEmpty(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()

	root, err := BuildMessagesAMT(ctx, bs, nil)
	if err != nil {
		t.Fatalf("BuildMessagesAMT: %v", err)
	}
	got, err := LoadMessagesAMT(ctx, bs, root)
	if err != nil {
		t.Fatalf("LoadMessagesAMT: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages, got %d", len(got))
	}
}
