// Command corenode-conformance drives the node's core consensus and
// mempool invariants directly against the core packages, in one process
// — no multi-node network is stood up here, since head-monotonicity,
// reorg reconciliation and mempool admission are all observable against
// this node's own chainstore/mpool/gc without a second peer. It reports
// outcomes through the Antithesis SDK's assert.Always/assert.Sometimes,
// the same style a stress-testing harness uses against a live cluster.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/antithesishq/antithesis-sdk-go/lifecycle"
	"github.com/antithesishq/antithesis-sdk-go/random"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-bitfield"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/multiformats/go-multihash"

	"corechain/internal/blockstore"
	"corechain/internal/blockstore/segment"
	"corechain/internal/chain"
	"corechain/internal/chainstore"
	"corechain/internal/gc"
	"corechain/internal/mpool"
)

func main() {
	lifecycle.SetupComplete(map[string]any{"harness": "corenode-conformance"})

	rounds := envInt("CORENODE_CONFORMANCE_ROUNDS", 50)
	log.Printf("corenode-conformance: running %d rounds", rounds)

	runHeadMonotonicity()
	runMempoolVectors(rounds)
	runGCSafety()

	log.Printf("corenode-conformance: done")
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// ---------------------------------------------------------------------------
// Vector: head monotonicity
//
// Three candidate tipsets of parent_weight 10, 12, 11 are submitted to a
// bare chainstore.Store via SetHead whenever chain.Heavier says the
// candidate outweighs the current head, the same decision syncOne makes
// after StateEvaluate. Final head weight must be 12 regardless of
// submission order, and weight must never regress partway through.
// ---------------------------------------------------------------------------

func runHeadMonotonicity() {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	meta := ds.NewMapDatastore()

	genesis := syntheticTipSet(ctx, 0, nil, 0, 1)
	genesisCid, _ := genesis.Blocks()[0].Cid()
	store := chainstore.New(bs, meta, genesisCid)
	mustPutTipSet(ctx, store, genesis)
	if _, err := store.SetHead(ctx, genesis); err != nil {
		log.Fatalf("conformance: seeding genesis head: %v", err)
	}

	weights := []int64{10, 12, 11}
	var lastWeight int64 = -1
	for i, w := range weights {
		candidate := syntheticTipSet(ctx, 1, genesis.Key().Cids(), w, int64(i+1))
		mustPutTipSet(ctx, store, candidate)

		head := store.Head()
		if chain.Heavier(candidate, head) {
			if _, err := store.SetHead(ctx, candidate); err != nil {
				log.Fatalf("conformance: SetHead: %v", err)
			}
		}

		newWeight := store.Head().ParentWeight().Int64()
		assert.Always(newWeight >= lastWeight, "head_weight_non_decreasing", map[string]any{
			"round":     i,
			"candidate": w,
			"head":      newWeight,
			"prev":      lastWeight,
		})
		lastWeight = newWeight
	}

	final := store.Head().ParentWeight().Int64()
	assert.Always(final == 12, "head_converges_to_heaviest_candidate", map[string]any{
		"final_weight": final,
	})
	log.Printf("[head-monotonicity] final head weight=%d (want 12)", final)
}

func mustPutTipSet(ctx context.Context, store *chainstore.Store, ts *chain.TipSet) {
	if err := store.PutTipSet(ctx, ts, ts.ParentStateRoot()); err != nil {
		log.Fatalf("conformance: PutTipSet: %v", err)
	}
}

// syntheticTipSet builds a single-block tipset at height atop parents,
// carrying parentWeight as its own ParentWeight (i.e. modeling the weight
// this tipset contributes to a child's view), distinguished from sibling
// candidates at the same height by salt.
func syntheticTipSet(_ context.Context, height int64, parents []cid.Cid, parentWeight int64, salt int64) *chain.TipSet {
	miner, _ := address.NewIDAddress(1000)
	h := &chain.BlockHeader{
		Miner:                 miner,
		Ticket:                &chain.Ticket{VRFProof: []byte{byte(salt), byte(salt >> 8)}},
		ElectionProof:         &chain.ElectionProof{WinCount: 1, VRFProof: []byte{0x01}},
		BeaconEntries:         []chain.BeaconEntry{{Round: uint64(height), Data: []byte("beacon")}},
		WinPoStProof:          []chain.PoStProof{{PoStProof: 3, ProofBytes: []byte("post")}},
		Parents:               parents,
		ParentWeight:          stbig.NewInt(parentWeight),
		Height:                abi.ChainEpoch(height),
		ParentStateRoot:       saltCid(fmt.Sprintf("state-%d-%d", height, salt)),
		ParentMessageReceipts: saltCid(fmt.Sprintf("receipts-%d-%d", height, salt)),
		Messages:              saltCid(fmt.Sprintf("messages-%d-%d", height, salt)),
		BLSAggregate:          &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("bls")},
		Timestamp:             uint64(time.Now().Unix()),
		BlockSig:              &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("blocksig")},
		ParentBaseFee:         stbig.NewInt(100),
	}
	ts, err := chain.NewTipSet([]*chain.BlockHeader{h})
	if err != nil {
		log.Fatalf("conformance: building synthetic tipset: %v", err)
	}
	return ts
}

// conformanceBlock builds a block whose CID is the real hash of data, the
// same construction archive's own round-trip test uses.
func conformanceBlock(data string) blocks.Block {
	payload := []byte(data)
	mh, err := multihash.Sum(payload, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		log.Fatalf("conformance: hashing payload: %v", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)
	blk, err := blocks.NewBlockWithCid(payload, c)
	if err != nil {
		log.Fatalf("conformance: NewBlockWithCid: %v", err)
	}
	return blk
}

func saltCid(seed string) cid.Cid {
	mh, err := multihash.Sum([]byte(seed), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		log.Fatalf("conformance: hashing %q: %v", seed, err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

// ---------------------------------------------------------------------------
// Vector: mempool admission and gas-premium ordering
//
// Transfer/gas-war/invalid-signature scenarios pushed directly into an
// internal/mpool.Pool instead of a remote node's MpoolPush RPC, since
// the pool under test is this process's, not an external node's.
// ---------------------------------------------------------------------------

type wallet struct {
	key  *secp256k1.PrivateKey
	addr address.Address
}

func newWallet() wallet {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		log.Fatalf("conformance: generating key: %v", err)
	}
	addr, err := address.NewSecp256k1Address(key.PubKey().SerializeUncompressed())
	if err != nil {
		log.Fatalf("conformance: deriving address: %v", err)
	}
	return wallet{key: key, addr: addr}
}

func (w wallet) sign(m chain.Message) *chain.SignedMessage {
	m.From = w.addr
	c, err := m.Cid()
	if err != nil {
		log.Fatalf("conformance: hashing message: %v", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		log.Fatalf("conformance: decoding digest: %v", err)
	}
	sig := ecdsa.SignCompact(w.key, decoded.Digest, false)
	return &chain.SignedMessage{Message: m, Signature: &crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: sig}}
}

type fixedView struct {
	nonce   map[address.Address]uint64
	balance map[address.Address]stbig.Int
}

func (v *fixedView) ActorNonce(_ context.Context, a address.Address) (uint64, error) {
	return v.nonce[a], nil
}

func (v *fixedView) ActorBalance(_ context.Context, a address.Address) (stbig.Int, error) {
	return v.balance[a], nil
}

func runMempoolVectors(rounds int) {
	ctx := context.Background()
	alice := newWallet()
	bob := newWallet()
	view := &fixedView{
		nonce:   map[address.Address]uint64{},
		balance: map[address.Address]stbig.Int{alice.addr: stbig.NewInt(1_000_000_000_000), bob.addr: stbig.NewInt(1_000_000_000_000)},
	}
	pool := mpool.New(mpool.Config{}, view)

	for i := 0; i < rounds; i++ {
		switch random.GetRandom() % 3 {
		case 0:
			doTransfer(ctx, pool, alice, bob, view)
		case 1:
			doGasWar(ctx, pool, alice, bob, view)
		case 2:
			doInvalidSignature(ctx, pool, alice, view)
		}
	}
	log.Printf("[mempool] pool holds %d pending messages after %d rounds", pool.Len(), rounds)
}

func baseMsg(from, to address.Address, nonce uint64, premium int64) chain.Message {
	return chain.Message{
		Version:    0,
		To:         to,
		From:       from,
		Nonce:      nonce,
		Value:      stbig.NewInt(1),
		GasLimit:   1_000_000,
		GasFeeCap:  stbig.NewInt(100_000),
		GasPremium: stbig.NewInt(premium),
		Method:     0,
	}
}

func doTransfer(ctx context.Context, pool *mpool.Pool, from, to wallet, view *fixedView) {
	nonce := view.nonce[from.addr]
	sm := from.sign(baseMsg(from.addr, to.addr, nonce, 500))
	ok := pool.Push(ctx, sm) == nil
	if ok {
		view.nonce[from.addr]++
	}
	assert.Sometimes(ok, "conformance_transfer_admitted", map[string]any{"nonce": nonce})
}

// doGasWar pushes two messages at the same nonce with a low then a much
// higher gas premium, matching stress-engine's DoGasWar: admission must
// accept the low-premium message first, then accept the replacement.
func doGasWar(ctx context.Context, pool *mpool.Pool, from, to wallet, view *fixedView) {
	nonce := view.nonce[from.addr]
	low := from.sign(baseMsg(from.addr, to.addr, nonce, 100))
	errLow := pool.Push(ctx, low)
	high := from.sign(baseMsg(from.addr, to.addr, nonce, 50_000))
	errHigh := pool.Push(ctx, high)
	view.nonce[from.addr]++

	assert.Sometimes(errLow == nil, "conformance_gas_war_low_admitted", map[string]any{"nonce": nonce})
	assert.Always(errHigh == nil, "conformance_gas_war_replacement_wins", map[string]any{
		"nonce": nonce, "low_err": errStr(errLow), "high_err": errStr(errHigh),
	})
}

// doInvalidSignature corrupts a signed message's signature bytes and
// asserts the pool rejects it outright.
func doInvalidSignature(ctx context.Context, pool *mpool.Pool, from wallet, view *fixedView) {
	nonce := view.nonce[from.addr]
	sm := from.sign(baseMsg(from.addr, from.addr, nonce, 500))
	sm.Signature.Data[0] ^= 0xff
	err := pool.Push(ctx, sm)
	rejected := err != nil
	assert.Always(rejected, "conformance_invalid_signature_rejected", map[string]any{
		"nonce": nonce, "rejected": rejected,
	})
}

func errStr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Vector: GC safety
//
// Writes a batch of blocks to an on-disk segment store, runs one GC
// cycle retaining half of them, and asserts every retained block is
// still fetchable afterward while the discarded ones are gone.
// ---------------------------------------------------------------------------

func runGCSafety() {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "corenode-conformance-gc-*")
	if err != nil {
		log.Fatalf("conformance: MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	store, err := segment.Open(dir)
	if err != nil {
		log.Fatalf("conformance: segment.Open: %v", err)
	}
	defer store.Close()

	var retained, discarded []cid.Cid
	for i := 0; i < 20; i++ {
		blk := conformanceBlock(fmt.Sprintf("payload-%d", i))
		if err := store.Put(ctx, blk); err != nil {
			log.Fatalf("conformance: Put: %v", err)
		}
		if i%2 == 0 {
			retained = append(retained, blk.Cid())
		} else {
			discarded = append(discarded, blk.Cid())
		}
	}

	live := make(map[cid.Cid]struct{}, len(retained))
	for _, c := range retained {
		live[c] = struct{}{}
	}
	coordinator := gc.New(store, func(context.Context) (*bitfield.BitField, map[cid.Cid]struct{}, error) {
		return nil, live, nil
	}, 1)

	runCtx, cancel := context.WithCancel(ctx)
	go coordinator.Run(runCtx)
	defer cancel()

	if _, err := coordinator.RequestGC(ctx); err != nil {
		log.Fatalf("conformance: RequestGC: %v", err)
	}

	allRetained := true
	for _, c := range retained {
		ok, _ := store.Has(ctx, c)
		allRetained = allRetained && ok
	}
	assert.Always(allRetained, "gc_retains_all_reachable_blocks", map[string]any{
		"retained_count": len(retained),
	})

	noneDiscardedRemain := true
	for _, c := range discarded {
		ok, _ := store.Has(ctx, c)
		noneDiscardedRemain = noneDiscardedRemain && !ok
	}
	assert.Sometimes(noneDiscardedRemain, "gc_removes_unreachable_blocks", map[string]any{
		"discarded_count": len(discarded),
	})
	log.Printf("[gc-safety] retained=%d discarded=%d all_retained=%v", len(retained), len(discarded), allRetained)
}
