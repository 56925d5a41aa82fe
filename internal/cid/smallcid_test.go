package cid

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func mustV1Blake2b(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh)
}

func TestKnownV1Blake2bIsCanonical(t *testing.T) {
	c := mustV1Blake2b(t, []byte("hello corechain"))
	sc := FromCid(c)
	if !sc.IsCanonical() {
		t.Fatalf("expected %s to compact canonically", c)
	}

	back, err := sc.ToCid()
	if err != nil {
		t.Fatalf("ToCid: %v", err)
	}
	if !back.Equals(c) {
		t.Fatalf("round trip mismatch: got %s, want %s", back, c)
	}
}

func TestNonCanonicalVariantsPreserved(t *testing.T) {
	data := []byte("some content")

	shaMh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}

	cases := []cid.Cid{
		cid.NewCidV0(shaMh),                     // CIDv0
		cid.NewCidV1(cid.Raw, shaMh),             // wrong codec
		cid.NewCidV1(cid.DagCBOR, shaMh),         // wrong hash function
	}

	for _, c := range cases {
		sc := FromCid(c)
		if sc.IsCanonical() {
			t.Errorf("%s unexpectedly compacted canonically", c)
		}
		back, err := sc.ToCid()
		if err != nil {
			t.Fatalf("ToCid: %v", err)
		}
		if !back.Equals(c) {
			t.Errorf("round trip mismatch: got %s, want %s", back, c)
		}
	}
}

func TestShortDigestNotCanonical(t *testing.T) {
	mh, err := multihash.Sum([]byte("x"), multihash.BLAKE2B_MIN+15, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)
	sc := FromCid(c)
	if sc.IsCanonical() {
		t.Fatalf("16-byte blake2b digest must not compact canonically")
	}
}

func TestEquals(t *testing.T) {
	a := mustV1Blake2b(t, []byte("a"))
	b := mustV1Blake2b(t, []byte("b"))

	scA1 := FromCid(a)
	scA2 := FromCid(a)
	scB := FromCid(b)

	if !scA1.Equals(scA2) {
		t.Fatalf("identical CIDs must compare equal")
	}
	if scA1.Equals(scB) {
		t.Fatalf("distinct CIDs must not compare equal")
	}
}

func TestUndefIsNotCanonical(t *testing.T) {
	if Undef.IsCanonical() {
		t.Fatalf("zero value must not report canonical")
	}
}
