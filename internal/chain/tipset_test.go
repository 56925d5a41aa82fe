package chain

import (
	"testing"

	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func mustTestCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func TestNewTipSetOrdersByTicketThenCID(t *testing.T) {
	a := sampleHeader(t, 10, 0x03)
	b := sampleHeader(t, 10, 0x01)
	c := sampleHeader(t, 10, 0x02)

	ts, err := NewTipSet([]*BlockHeader{a, b, c})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	ordered := ts.Blocks()
	if len(ordered) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(ordered))
	}
	if ordered[0].Ticket.VRFProof[0] != 0x01 || ordered[1].Ticket.VRFProof[0] != 0x02 || ordered[2].Ticket.VRFProof[0] != 0x03 {
		t.Fatalf("blocks not ordered by ascending ticket digest")
	}
}

func TestNewTipSetRejectsDisagreeingHeight(t *testing.T) {
	a := sampleHeader(t, 10, 0x01)
	b := sampleHeader(t, 11, 0x02)
	if _, err := NewTipSet([]*BlockHeader{a, b}); err == nil {
		t.Fatalf("expected error for disagreeing heights")
	}
}

func TestNewTipSetRejectsTooManyBlocks(t *testing.T) {
	blocks := make([]*BlockHeader, MaxBlocksPerTipSet+1)
	for i := range blocks {
		blocks[i] = sampleHeader(t, 1, byte(i))
	}
	if _, err := NewTipSet(blocks); err == nil {
		t.Fatalf("expected error for exceeding MaxBlocksPerTipSet")
	}
}

func TestNewTipSetRejectsEmpty(t *testing.T) {
	if _, err := NewTipSet(nil); err == nil {
		t.Fatalf("expected error for empty tipset")
	}
}

func TestTipSetKeyIsOrderIndependent(t *testing.T) {
	a := sampleHeader(t, 10, 0x03)
	b := sampleHeader(t, 10, 0x01)

	ts1, err := NewTipSet([]*BlockHeader{a, b})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	ts2, err := NewTipSet([]*BlockHeader{b, a})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	if !ts1.Key().Equals(ts2.Key()) {
		t.Fatalf("tipset key must not depend on input order")
	}
}

func TestHeavierByParentWeight(t *testing.T) {
	a := sampleHeader(t, 10, 0x01)
	light, err := NewTipSet([]*BlockHeader{a})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}

	b := sampleHeader(t, 10, 0x01)
	b.ParentWeight = stbig.NewInt(200)
	heavy, err := NewTipSet([]*BlockHeader{b})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}

	if !Heavier(heavy, light) {
		t.Fatalf("expected heavier parent weight to win")
	}
	if Heavier(light, heavy) {
		t.Fatalf("lighter tipset must not be considered heavier")
	}
}

func TestHeavierTiesBreakOnTicketDigest(t *testing.T) {
	a := sampleHeader(t, 10, 0x05)
	b := sampleHeader(t, 10, 0x01)

	tsA, err := NewTipSet([]*BlockHeader{a})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	tsB, err := NewTipSet([]*BlockHeader{b})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}

	if !Heavier(tsB, tsA) {
		t.Fatalf("expected smaller ticket digest to win an equal-weight tie")
	}
}

func TestHeavierNilCurrentAlwaysLoses(t *testing.T) {
	a := sampleHeader(t, 10, 0x01)
	ts, err := NewTipSet([]*BlockHeader{a})
	if err != nil {
		t.Fatalf("NewTipSet: %v", err)
	}
	if !Heavier(ts, nil) {
		t.Fatalf("any tipset must be heavier than no head at all")
	}
}
