package chain

import (
	"context"
	"fmt"

	amt "github.com/filecoin-project/go-amt-ipld/v4"
	cborstore "github.com/ipfs/go-ipld-cbor"
	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
)

// BuildMessagesAMT writes msgs into a fresh AMT and returns its root,
// the same shape a block's Messages field points to. Mirrors
// internal/state's receipts AMT construction, applied to signed messages
// instead of receipts.
func BuildMessagesAMT(ctx context.Context, bs blockstore.Blockstore, msgs []*SignedMessage) (cid.Cid, error) {
	cst := cborstore.NewCborStore(bs)
	root, err := amt.NewAMT(cst)
	if err != nil {
		return cid.Undef, fmt.Errorf("chain: creating messages amt: %w", err)
	}
	for i, m := range msgs {
		if err := root.Set(ctx, uint64(i), m); err != nil {
			return cid.Undef, fmt.Errorf("chain: appending message %d: %w", i, err)
		}
	}
	return root.Flush(ctx)
}

// LoadMessagesAMT decodes the AMT at root back into a flat slice, in
// index order. It is the read side of BuildMessagesAMT, used by a
// MessageSource once a MessageFetcher has pulled the referenced AMT
// nodes into the blockstore.
func LoadMessagesAMT(ctx context.Context, bs blockstore.Blockstore, root cid.Cid) ([]*SignedMessage, error) {
	cst := cborstore.NewCborStore(bs)
	node, err := amt.LoadAMT(ctx, cst, root)
	if err != nil {
		return nil, fmt.Errorf("chain: loading messages amt %s: %w", root, err)
	}
	out := make([]*SignedMessage, node.Count)
	for i := range out {
		var m SignedMessage
		if err := node.Get(ctx, uint64(i), &m); err != nil {
			return nil, fmt.Errorf("chain: reading message %d: %w", i, err)
		}
		out[i] = &m
	}
	return out, nil
}
