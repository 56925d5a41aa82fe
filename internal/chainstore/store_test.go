package chainstore

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
)

func testCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func testMiner(t *testing.T) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(1000)
	if err != nil {
		t.Fatalf("NewIDAddress: %v", err)
	}
	return a
}

func header(t *testing.T, height int64, parents []cid.Cid, ticket byte) *chain.BlockHeader {
	t.Helper()
	return &chain.BlockHeader{
		Miner:                 testMiner(t),
		Ticket:                &chain.Ticket{VRFProof: []byte{ticket}},
		Parents:               parents,
		ParentWeight:          stbig.NewInt(height),
		Height:                abi.ChainEpoch(height),
		ParentStateRoot:       testCid(t, "state"),
		ParentMessageReceipts: testCid(t, "receipts"),
		Messages:              testCid(t, "messages"),
		Timestamp:             uint64(height) * 30,
		ParentBaseFee:         stbig.NewInt(100),
	}
}

func newStore(t *testing.T, genesis cid.Cid) *Store {
	t.Helper()
	bs := blockstore.NewMemory()
	meta := dssync.MutexWrap(mapds.NewMapDatastore())
	return New(bs, meta, genesis)
}

func mustTipSet(t *testing.T, blocks ...*chain.BlockHeader) *chain.TipSet {
	t.Helper()
	ts, err := chain.NewTipSet(blocks)
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	return ts
}

func TestPutLoadAndSetHead(t *testing.T) {
	ctx := context.Background()

	genesisHeader := header(t, 0, nil, 0x00)
	genesisCid, err := genesisHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	genesisTs := mustTipSet(t, genesisHeader)

	store := newStore(t, genesisCid)
	if err := store.PutTipSet(ctx, genesisTs, testCid(t, "genesis-state")); err != nil {
		t.Fatalf("PutTipSet genesis: %v", err)
	}
	if _, err := store.SetHead(ctx, genesisTs); err != nil {
		t.Fatalf("SetHead genesis: %v", err)
	}

	child := header(t, 1, genesisTs.Key().Cids(), 0x01)
	childTs := mustTipSet(t, child)
	if err := store.PutTipSet(ctx, childTs, testCid(t, "child-state")); err != nil {
		t.Fatalf("PutTipSet child: %v", err)
	}
	prev, err := store.SetHead(ctx, childTs)
	if err != nil {
		t.Fatalf("SetHead child: %v", err)
	}
	if !prev.Equals(genesisTs) {
		t.Fatalf("SetHead should return the previous head")
	}
	if !store.Head().Equals(childTs) {
		t.Fatalf("Head() should reflect the new head")
	}

	loaded, err := store.LoadTipSet(ctx, childTs.Key())
	if err != nil {
		t.Fatalf("LoadTipSet: %v", err)
	}
	if !loaded.Equals(childTs) {
		t.Fatalf("LoadTipSet returned a different tipset")
	}

	root, err := store.TipSetStateRoot(ctx, childTs.Key())
	if err != nil {
		t.Fatalf("TipSetStateRoot: %v", err)
	}
	if !root.Equals(testCid(t, "child-state")) {
		t.Fatalf("unexpected state root")
	}
}

func TestLoadRebuildsFromPersistedHead(t *testing.T) {
	ctx := context.Background()

	genesisHeader := header(t, 0, nil, 0x00)
	genesisCid, err := genesisHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	genesisTs := mustTipSet(t, genesisHeader)

	bs := blockstore.NewMemory()
	meta := dssync.MutexWrap(mapds.NewMapDatastore())

	store1 := New(bs, meta, genesisCid)
	if err := store1.PutTipSet(ctx, genesisTs, testCid(t, "genesis-state")); err != nil {
		t.Fatalf("PutTipSet: %v", err)
	}
	child := header(t, 1, genesisTs.Key().Cids(), 0x01)
	childTs := mustTipSet(t, child)
	if err := store1.PutTipSet(ctx, childTs, testCid(t, "child-state")); err != nil {
		t.Fatalf("PutTipSet: %v", err)
	}
	if _, err := store1.SetHead(ctx, childTs); err != nil {
		t.Fatalf("SetHead: %v", err)
	}

	store2 := New(bs, meta, genesisCid)
	if err := store2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !store2.Head().Equals(childTs) {
		t.Fatalf("Load did not recover the persisted head")
	}
}

func TestSubscribePublishesHeadChanges(t *testing.T) {
	ctx := context.Background()
	genesisHeader := header(t, 0, nil, 0x00)
	genesisCid, err := genesisHeader.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	genesisTs := mustTipSet(t, genesisHeader)
	store := newStore(t, genesisCid)

	id, ch := store.Subscribe()
	defer store.Unsubscribe(id)

	if err := store.PutTipSet(ctx, genesisTs, testCid(t, "state")); err != nil {
		t.Fatalf("PutTipSet: %v", err)
	}
	if _, err := store.SetHead(ctx, genesisTs); err != nil {
		t.Fatalf("SetHead: %v", err)
	}

	select {
	case got := <-ch:
		if !got.Equals(genesisTs) {
			t.Fatalf("notified tipset does not match new head")
		}
	default:
		t.Fatalf("expected a head-change notification")
	}
}
