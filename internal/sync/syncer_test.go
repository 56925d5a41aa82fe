package sync

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	mapds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"corechain/internal/blockstore"
	"corechain/internal/chain"
	"corechain/internal/chainstore"
	"corechain/internal/state"
)

func testCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func testAddr(t *testing.T, id uint64) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(id)
	if err != nil {
		t.Fatalf("NewIDAddress: %v", err)
	}
	return a
}

// fixedMsgSource hands back a fixed message set for one known block CID
// and nothing for any other, standing in for a real message DAG decoder.
type fixedMsgSource struct {
	byBlock map[cid.Cid][]*chain.SignedMessage
}

func (f *fixedMsgSource) MessagesForBlock(_ context.Context, blockCid cid.Cid) ([]*chain.SignedMessage, error) {
	return f.byBlock[blockCid], nil
}

func setupChain(t *testing.T) (*Syncer, *chainstore.Store, *NoopHeadObserver, address.Address, address.Address, *chain.TipSet, *chain.BlockHeader) {
	t.Helper()
	ctx := context.Background()
	bs := blockstore.NewMemory()

	alice := testAddr(t, 1001)
	bob := testAddr(t, 1002)

	tree, err := state.LoadTree(ctx, bs, cid.Undef)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	rules, err := state.RulesFor(0)
	if err != nil {
		t.Fatalf("RulesFor: %v", err)
	}
	if err := tree.SetActor(ctx, alice, &state.ActorState{Code: rules.AccountCodeCID, Head: cid.Undef, Nonce: 0, Balance: stbig.NewInt(1_000_000_000)}); err != nil {
		t.Fatalf("SetActor alice: %v", err)
	}
	if err := tree.SetActor(ctx, bob, &state.ActorState{Code: rules.AccountCodeCID, Head: cid.Undef, Nonce: 0, Balance: stbig.Zero()}); err != nil {
		t.Fatalf("SetActor bob: %v", err)
	}
	genesisRoot, err := tree.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	genesisHeader := &chain.BlockHeader{
		Miner:                 testAddr(t, 1000),
		Ticket:                &chain.Ticket{VRFProof: []byte{0x00}},
		Height:                0,
		ParentStateRoot:       cid.Undef,
		ParentMessageReceipts: cid.Undef,
		Messages:              testCid(t, "genesis-messages"),
		ParentWeight:          stbig.Zero(),
		ParentBaseFee:         stbig.NewInt(100),
	}
	genesisCid, err := genesisHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	genesisTs, err := chain.NewTipSet([]*chain.BlockHeader{genesisHeader})
	if err != nil {
		t.Fatalf("NewTipSet genesis: %v", err)
	}

	meta := dssync.MutexWrap(mapds.NewMapDatastore())
	store := chainstore.New(bs, meta, genesisCid)
	if err := store.PutTipSet(ctx, genesisTs, genesisRoot); err != nil {
		t.Fatalf("PutTipSet genesis: %v", err)
	}
	if _, err := store.SetHead(ctx, genesisTs); err != nil {
		t.Fatalf("SetHead genesis: %v", err)
	}

	childHeader := &chain.BlockHeader{
		Miner:                 testAddr(t, 1000),
		Ticket:                &chain.Ticket{VRFProof: []byte{0x01}},
		Parents:               genesisTs.Key().Cids(),
		Height:                1,
		ParentStateRoot:       genesisRoot,
		ParentMessageReceipts: cid.Undef,
		Messages:              testCid(t, "child-messages"),
		// Strictly greater than genesis's own ParentWeight (0) so
		// Heavier picks the child over genesis on weight alone, without
		// falling through to the ticket tie-break.
		ParentWeight:  stbig.NewInt(1),
		ParentBaseFee: stbig.NewInt(100),
	}

	headers := NewLocalFetcher()
	if err := headers.Add(genesisHeader); err != nil {
		t.Fatalf("headers.Add genesis: %v", err)
	}
	if err := headers.Add(childHeader); err != nil {
		t.Fatalf("headers.Add child: %v", err)
	}

	childCid, err := childHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	sm := &chain.SignedMessage{Message: chain.Message{
		Version: 0, To: bob, From: alice, Nonce: 0,
		Value: stbig.NewInt(1000), GasLimit: 1_000_000,
		GasFeeCap: stbig.NewInt(10), GasPremium: stbig.NewInt(1), Method: 0,
	}}
	msgSource := &fixedMsgSource{byBlock: map[cid.Cid][]*chain.SignedMessage{childCid: {sm}}}

	observer := &NoopHeadObserver{}
	syncer := New(store, state.NewEvaluator(bs), headers, headers, msgSource, observer, Config{})
	return syncer, store, observer, alice, bob, genesisTs, childHeader
}

// NoopHeadObserver records whether it was invoked, standing in for
// internal/mpool.Pool in tests that only care the syncer calls it.
type NoopHeadObserver struct {
	Called bool
}

func (o *NoopHeadObserver) HandleHeadChange(_ context.Context, _, _ []*chain.TipSet, _ func(*chain.TipSet) []*chain.SignedMessage) error {
	o.Called = true
	return nil
}

func TestHandleNewHeadAppliesAndCommitsChildTipSet(t *testing.T) {
	ctx := context.Background()
	syncer, store, observer, _, _, _, childHeader := setupChain(t)

	childCid, err := childHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	if err := syncer.HandleNewHead(ctx, []cid.Cid{childCid}); err != nil {
		t.Fatalf("HandleNewHead: %v", err)
	}

	head := store.Head()
	if head.Height() != abi.ChainEpoch(1) {
		t.Fatalf("expected head height 1, got %d", head.Height())
	}
	if !observer.Called {
		t.Fatalf("expected the head observer to be notified")
	}
	if _, err := store.TipSetStateRoot(ctx, head.Key()); err != nil {
		t.Fatalf("TipSetStateRoot: %v", err)
	}
}

func TestHandleNewHeadIsIdempotentOnExistingHead(t *testing.T) {
	ctx := context.Background()
	syncer, store, _, _, _, genesisTs, _ := setupChain(t)

	if err := syncer.HandleNewHead(ctx, genesisTs.Key().Cids()); err != nil {
		t.Fatalf("HandleNewHead on existing head: %v", err)
	}
	if !store.Head().Equals(genesisTs) {
		t.Fatalf("head should not have changed")
	}
}

func TestHandleNewHeadRejectsAndCachesBadTipSet(t *testing.T) {
	ctx := context.Background()
	syncer, _, _, _, _, _, childHeader := setupChain(t)

	// A freshly built header, not a copy of one that's already had its
	// CID cached, so Cid() below reflects this header's own fields
	// rather than a stale cache entry.
	bad := &chain.BlockHeader{
		Miner:                 childHeader.Miner,
		Ticket:                childHeader.Ticket,
		Parents:               childHeader.Parents,
		Height:                childHeader.Height,
		ParentStateRoot:       testCid(t, "wrong-state-root"),
		ParentMessageReceipts: childHeader.ParentMessageReceipts,
		Messages:              childHeader.Messages,
		ParentWeight:          childHeader.ParentWeight,
		ParentBaseFee:         childHeader.ParentBaseFee,
	}
	badCid, err := bad.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	if err := syncer.headers.(*LocalFetcher).Add(bad); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := syncer.HandleNewHead(ctx, []cid.Cid{badCid}); err == nil {
		t.Fatalf("expected rejection of a tipset with a mismatched parent state root")
	}
	key := chain.NewTipSetKey([]cid.Cid{badCid})
	if !syncer.bad.Has(key) {
		t.Fatalf("expected the bad tipset to be cached")
	}
}
