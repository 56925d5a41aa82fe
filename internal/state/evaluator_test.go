package state

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
	"corechain/internal/chain"
)

func mustID(t *testing.T, id uint64) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(id)
	if err != nil {
		t.Fatalf("NewIDAddress: %v", err)
	}
	return a
}

func genesisRoot(t *testing.T, bs blockstore.Blockstore, balances map[address.Address]stbig.Int) cid.Cid {
	t.Helper()
	tree, err := LoadTree(context.Background(), bs, cid.Undef)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	rules, err := RulesFor(0)
	if err != nil {
		t.Fatalf("RulesFor: %v", err)
	}
	for addr, bal := range balances {
		st := &ActorState{Code: rules.AccountCodeCID, Head: cid.Undef, Nonce: 0, Balance: bal}
		if err := tree.SetActor(context.Background(), addr, st); err != nil {
			t.Fatalf("SetActor: %v", err)
		}
	}
	root, err := tree.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return root
}

func TestEvaluatorTransferDebitsAndCredits(t *testing.T) {
	bs := blockstore.NewMemory()
	alice := mustID(t, 1001)
	bob := mustID(t, 1002)
	root := genesisRoot(t, bs, map[address.Address]stbig.Int{
		alice: stbig.NewInt(1_000_000_000),
		bob:   stbig.NewInt(0),
	})

	msg := &chain.SignedMessage{Message: chain.Message{
		Version:    0,
		To:         bob,
		From:       alice,
		Nonce:      0,
		Value:      stbig.NewInt(1000),
		GasLimit:   1_000_000,
		GasFeeCap:  stbig.NewInt(10),
		GasPremium: stbig.NewInt(1),
		Method:     0,
	}}

	ev := NewEvaluator(bs)
	res, err := ev.Apply(context.Background(), root, []*chain.SignedMessage{msg}, 1, 1700000000, stbig.NewInt(1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Receipts) != 1 || res.Receipts[0].ExitCode != 0 {
		t.Fatalf("unexpected receipts: %+v", res.Receipts)
	}

	tree, err := LoadTree(context.Background(), bs, res.StateRoot)
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	aliceAfter, _, err := tree.GetActor(context.Background(), alice)
	if err != nil {
		t.Fatalf("GetActor(alice): %v", err)
	}
	if aliceAfter.Nonce != 1 {
		t.Fatalf("alice nonce = %d, want 1", aliceAfter.Nonce)
	}
	bobAfter, _, err := tree.GetActor(context.Background(), bob)
	if err != nil {
		t.Fatalf("GetActor(bob): %v", err)
	}
	if stbig.Cmp(bobAfter.Balance, stbig.NewInt(1000)) != 0 {
		t.Fatalf("bob balance = %s, want 1000", bobAfter.Balance)
	}
}

func TestEvaluatorDeterministic(t *testing.T) {
	bs1 := blockstore.NewMemory()
	bs2 := blockstore.NewMemory()
	alice := mustID(t, 2001)
	bob := mustID(t, 2002)

	root1 := genesisRoot(t, bs1, map[address.Address]stbig.Int{alice: stbig.NewInt(500), bob: stbig.NewInt(0)})
	root2 := genesisRoot(t, bs2, map[address.Address]stbig.Int{alice: stbig.NewInt(500), bob: stbig.NewInt(0)})

	msg := &chain.SignedMessage{Message: chain.Message{
		To: bob, From: alice, Nonce: 0, Value: stbig.NewInt(50),
		GasLimit: 100, GasFeeCap: stbig.NewInt(1), GasPremium: stbig.NewInt(1), Method: 0,
	}}

	r1, err := NewEvaluator(bs1).Apply(context.Background(), root1, []*chain.SignedMessage{msg}, 1, 1, stbig.NewInt(1))
	if err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	r2, err := NewEvaluator(bs2).Apply(context.Background(), root2, []*chain.SignedMessage{msg}, 1, 1, stbig.NewInt(1))
	if err != nil {
		t.Fatalf("Apply 2: %v", err)
	}
	if !r1.StateRoot.Equals(r2.StateRoot) {
		t.Fatalf("state roots diverged: %s vs %s", r1.StateRoot, r2.StateRoot)
	}
	if !r1.ReceiptsRoot.Equals(r2.ReceiptsRoot) {
		t.Fatalf("receipts roots diverged")
	}
}

func TestMergeTipSetMessagesOrdersBySenderThenNonce(t *testing.T) {
	alice := mustID(t, 3001)
	h := &chain.BlockHeader{
		Miner:           mustID(t, 1000),
		Ticket:          &chain.Ticket{VRFProof: []byte{0x01}},
		Height:          1,
		ParentWeight:    stbig.NewInt(0),
		ParentBaseFee:   stbig.NewInt(100),
		ParentStateRoot: cid.Undef,
	}
	ts, err := chain.NewTipSet([]*chain.BlockHeader{h})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	bc, err := h.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}

	m1 := &chain.SignedMessage{Message: chain.Message{From: alice, Nonce: 1}}
	m0 := &chain.SignedMessage{Message: chain.Message{From: alice, Nonce: 0}}

	merged, err := MergeTipSetMessages(ts, map[cid.Cid][]*chain.SignedMessage{bc: {m1, m0}})
	if err != nil {
		t.Fatalf("MergeTipSetMessages: %v", err)
	}
	if len(merged) != 2 || merged[0].Message.Nonce != 0 || merged[1].Message.Nonce != 1 {
		t.Fatalf("merge did not sort by nonce: %+v", merged)
	}
}
