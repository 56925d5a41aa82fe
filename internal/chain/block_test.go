package chain

import (
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
)

func testMiner(t *testing.T, id uint64) address.Address {
	t.Helper()
	a, err := address.NewIDAddress(id)
	if err != nil {
		t.Fatalf("NewIDAddress: %v", err)
	}
	return a
}

func sampleHeader(t *testing.T, height abi.ChainEpoch, ticket byte) *BlockHeader {
	t.Helper()
	return &BlockHeader{
		Miner:         testMiner(t, 1000),
		Ticket:        &Ticket{VRFProof: []byte{ticket, ticket, ticket}},
		ElectionProof: &ElectionProof{WinCount: 1, VRFProof: []byte{0x01, 0x02}},
		BeaconEntries: []BeaconEntry{{Round: 1, Data: []byte("beacon")}},
		WinPoStProof:  []PoStProof{{PoStProof: 3, ProofBytes: []byte("post")}},
		Parents:       nil,
		ParentWeight:  stbig.NewInt(100),
		Height:        height,
		ParentStateRoot:       mustTestCid(t, "state"),
		ParentMessageReceipts: mustTestCid(t, "receipts"),
		Messages:              mustTestCid(t, "messages"),
		BLSAggregate:          &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("blssig")},
		Timestamp:             1700000000,
		BlockSig:              &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("blocksig")},
		ForkSignaling:         0,
		ParentBaseFee:         stbig.NewInt(100),
	}
}

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := sampleHeader(t, 10, 0xaa)
	data, err := h.bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	decoded, err := DecodeBlockHeader(data)
	if err != nil {
		t.Fatalf("DecodeBlockHeader: %v", err)
	}
	if !h.Equals(decoded) {
		t.Fatalf("decoded header has different cid than original")
	}
	if decoded.Height != h.Height {
		t.Fatalf("height mismatch: got %d want %d", decoded.Height, h.Height)
	}
	if string(decoded.Ticket.VRFProof) != string(h.Ticket.VRFProof) {
		t.Fatalf("ticket mismatch")
	}
	if decoded.BLSAggregate == nil || string(decoded.BLSAggregate.Data) != "blssig" {
		t.Fatalf("BLSAggregate not round-tripped")
	}
}

func TestBlockHeaderRoundTripWithNilFields(t *testing.T) {
	h := sampleHeader(t, 5, 0x01)
	h.Ticket = nil
	h.ElectionProof = nil
	h.BeaconEntries = nil
	h.BLSAggregate = nil
	h.BlockSig = nil

	data, err := h.bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}
	decoded, err := DecodeBlockHeader(data)
	if err != nil {
		t.Fatalf("DecodeBlockHeader: %v", err)
	}
	if decoded.Ticket != nil || decoded.ElectionProof != nil || decoded.BeaconEntries != nil {
		t.Fatalf("expected nullable fields to decode as nil")
	}
	if decoded.BLSAggregate != nil || decoded.BlockSig != nil {
		t.Fatalf("expected signature fields to decode as nil")
	}
}

func TestSignatureDataExcludesBlockSig(t *testing.T) {
	h := sampleHeader(t, 1, 0x05)
	withSig, err := h.SignatureData()
	if err != nil {
		t.Fatalf("SignatureData: %v", err)
	}

	h2 := *h
	h2.BlockSig = &crypto.Signature{Type: crypto.SigTypeBLS, Data: []byte("different signature entirely")}
	withDifferentSig, err := h2.SignatureData()
	if err != nil {
		t.Fatalf("SignatureData: %v", err)
	}
	if string(withSig) != string(withDifferentSig) {
		t.Fatalf("SignatureData must not depend on BlockSig contents")
	}
}

func TestCidIsStableAndCached(t *testing.T) {
	h := sampleHeader(t, 2, 0x09)
	c1, err := h.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	c2, err := h.Cid()
	if err != nil {
		t.Fatalf("Cid: %v", err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("Cid() must be stable across calls")
	}
}
