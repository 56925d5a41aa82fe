package mpool

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/multiformats/go-multihash"

	"corechain/internal/chain"
)

// signer bundles a secp256k1 keypair and its Filecoin address, letting
// tests mint messages that pass VerifySignature the same way a real
// wallet would produce them.
type signer struct {
	key  *secp256k1.PrivateKey
	addr address.Address
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	addr, err := address.NewSecp256k1Address(key.PubKey().SerializeUncompressed())
	if err != nil {
		t.Fatalf("NewSecp256k1Address: %v", err)
	}
	return &signer{key: key, addr: addr}
}

func (s *signer) sign(t *testing.T, m chain.Message) *chain.SignedMessage {
	t.Helper()
	m.From = s.addr
	c, err := m.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		t.Fatalf("multihash.Decode: %v", err)
	}
	sig := ecdsa.SignCompact(s.key, decoded.Digest, false)
	return &chain.SignedMessage{Message: m, Signature: &crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: sig}}
}

// memView is a fixed-answer AccountView test double.
type memView struct {
	nonce   map[address.Address]uint64
	balance map[address.Address]stbig.Int
}

func (v *memView) ActorNonce(_ context.Context, addr address.Address) (uint64, error) {
	return v.nonce[addr], nil
}

func (v *memView) ActorBalance(_ context.Context, addr address.Address) (stbig.Int, error) {
	if b, ok := v.balance[addr]; ok {
		return b, nil
	}
	return stbig.Zero(), nil
}

func baseMessage(nonce uint64, premium int64) chain.Message {
	return chain.Message{
		Version:    0,
		To:         address.Undef,
		Nonce:      nonce,
		Value:      stbig.Zero(),
		GasLimit:   1000,
		GasFeeCap:  stbig.NewInt(1000),
		GasPremium: stbig.NewInt(premium),
		Method:     0,
	}
}

func richView(addrs ...address.Address) *memView {
	v := &memView{nonce: map[address.Address]uint64{}, balance: map[address.Address]stbig.Int{}}
	for _, a := range addrs {
		v.balance[a] = stbig.NewInt(1_000_000_000_000)
	}
	return v
}

func TestPushRejectsInvalidSignature(t *testing.T) {
	s := newSigner(t)
	p := New(Config{}, richView(s.addr))
	sm := s.sign(t, baseMessage(0, 1))
	sm.Signature.Data[0] ^= 0xff // corrupt
	if err := p.Push(context.Background(), sm); err == nil {
		t.Fatalf("expected invalid-signature rejection")
	}
}

func TestPushRejectsStaleNonce(t *testing.T) {
	s := newSigner(t)
	view := richView(s.addr)
	view.nonce[s.addr] = 5
	p := New(Config{}, view)
	sm := s.sign(t, baseMessage(4, 1))
	if err := p.Push(context.Background(), sm); err == nil {
		t.Fatalf("expected stale-nonce rejection")
	}
}

func TestPushRejectsInsufficientBalance(t *testing.T) {
	s := newSigner(t)
	view := &memView{nonce: map[address.Address]uint64{}, balance: map[address.Address]stbig.Int{s.addr: stbig.NewInt(1)}}
	p := New(Config{}, view)
	sm := s.sign(t, baseMessage(0, 1))
	if err := p.Push(context.Background(), sm); err == nil {
		t.Fatalf("expected insufficient-balance rejection")
	}
}

// TestGasWarHigherPremiumWins mirrors cmd/stress-engine's DoGasWar vector:
// two messages contest the same nonce, and the higher gas premium should
// occupy the slot regardless of arrival order.
func TestGasWarHigherPremiumWins(t *testing.T) {
	s := newSigner(t)
	p := New(Config{}, richView(s.addr))
	low := s.sign(t, baseMessage(0, 1))
	high := s.sign(t, baseMessage(0, 100))

	if err := p.Push(context.Background(), low); err != nil {
		t.Fatalf("push low: %v", err)
	}
	if err := p.Push(context.Background(), high); err != nil {
		t.Fatalf("push high: %v", err)
	}
	if err := p.Push(context.Background(), low); err == nil {
		t.Fatalf("expected low-premium replay to be rejected once high premium holds the nonce")
	}

	sel := p.Select(map[address.Address]uint64{s.addr: 0}, 10000)
	if len(sel) != 1 {
		t.Fatalf("expected exactly one selected message, got %d", len(sel))
	}
	if stbig.Cmp(sel[0].Message.GasPremium, stbig.NewInt(100)) != 0 {
		t.Fatalf("expected the higher-premium message to win the nonce, got premium %s", sel[0].Message.GasPremium)
	}
}

// TestNonceRaceKeepsContiguousRun mirrors doNonceRace: a gap in the
// sender's nonce sequence should stop selection from skipping ahead to a
// later, already-pending nonce.
func TestNonceRaceKeepsContiguousRun(t *testing.T) {
	s := newSigner(t)
	p := New(Config{}, richView(s.addr))
	m0 := s.sign(t, baseMessage(0, 5))
	m2 := s.sign(t, baseMessage(2, 5))

	if err := p.Push(context.Background(), m0); err != nil {
		t.Fatalf("push m0: %v", err)
	}
	if err := p.Push(context.Background(), m2); err != nil {
		t.Fatalf("push m2: %v", err)
	}

	sel := p.Select(map[address.Address]uint64{s.addr: 0}, 10000)
	if len(sel) != 1 || sel[0].Message.Nonce != 0 {
		t.Fatalf("expected selection to stop at the nonce gap, got %+v", sel)
	}
}

func TestSelectOrdersSendersByPremiumDescending(t *testing.T) {
	rich := newSigner(t)
	poor := newSigner(t)
	p := New(Config{}, richView(rich.addr, poor.addr))

	if err := p.Push(context.Background(), rich.sign(t, baseMessage(0, 50))); err != nil {
		t.Fatalf("push rich: %v", err)
	}
	if err := p.Push(context.Background(), poor.sign(t, baseMessage(0, 1))); err != nil {
		t.Fatalf("push poor: %v", err)
	}

	sel := p.Select(map[address.Address]uint64{rich.addr: 0, poor.addr: 0}, 10000)
	if len(sel) != 2 {
		t.Fatalf("expected both senders selected, got %d", len(sel))
	}
	if sel[0].Message.From != rich.addr {
		t.Fatalf("expected the higher-premium sender first")
	}
}

func TestHandleHeadChangeReinsertsRevertedMessages(t *testing.T) {
	s := newSigner(t)
	p := New(Config{}, richView(s.addr))
	sm := s.sign(t, baseMessage(0, 5))
	c, err := sm.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}

	messagesOf := func(ts *chain.TipSet) []*chain.SignedMessage {
		return []*chain.SignedMessage{sm}
	}
	if err := p.HandleHeadChange(context.Background(), []*chain.TipSet{nil}, nil, messagesOf); err != nil {
		t.Fatalf("HandleHeadChange: %v", err)
	}
	if !p.Has(c) {
		t.Fatalf("expected reverted message to be reinserted into the pool")
	}
}
