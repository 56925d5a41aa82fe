// Package cid compacts the general-purpose content identifier into a fixed
// size representation for the overwhelmingly common case, while staying
// able to hold any other valid CID without loss.
package cid

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Blake2b256Size is the digest length, in bytes, of a Blake2b-256 multihash.
const Blake2b256Size = 32

// SmallCid is a compacted cid.Cid. Most CIDs produced by this codebase are
// CIDv1, DAG-CBOR codec, Blake2b-256 multihash, which is exactly 32 bytes of
// digest: those compact into Canonical without needing to retain version,
// codec or hash function tags at all. Anything else is kept verbatim.
type SmallCid struct {
	canonical bool
	digest    [Blake2b256Size]byte
	other     cid.Cid
}

// Undef is the zero value of SmallCid; FromCid(cid.Undef) returns it.
var Undef SmallCid

// FromCid compacts c. It never fails: a CID that doesn't fit the canonical
// shape is preserved in full.
func FromCid(c cid.Cid) SmallCid {
	if digest, ok := canonicalDigest(c); ok {
		var sc SmallCid
		sc.canonical = true
		copy(sc.digest[:], digest)
		return sc
	}
	return SmallCid{other: c}
}

// canonicalDigest reports whether c is CIDv1 / DAG-CBOR / Blake2b-256 with a
// 32-byte digest, and if so returns that digest.
func canonicalDigest(c cid.Cid) ([]byte, bool) {
	if c.Version() != 1 {
		return nil, false
	}
	if c.Type() != cid.DagCBOR {
		return nil, false
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, false
	}
	if decoded.Code != multihash.BLAKE2B_MIN+31 {
		return nil, false
	}
	if decoded.Length != Blake2b256Size {
		return nil, false
	}
	return decoded.Digest, true
}

// ToCid expands sc back into a full cid.Cid.
func (sc SmallCid) ToCid() (cid.Cid, error) {
	if !sc.canonical {
		return sc.other, nil
	}
	mh, err := multihash.Encode(sc.digest[:], multihash.BLAKE2B_MIN+31)
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// IsCanonical reports whether sc was able to compact into the fixed 32-byte
// representation.
func (sc SmallCid) IsCanonical() bool {
	return sc.canonical
}

// Digest returns the raw 32-byte digest for a canonical SmallCid. It panics
// if sc is not canonical; callers must check IsCanonical first.
func (sc SmallCid) Digest() [Blake2b256Size]byte {
	if !sc.canonical {
		panic("cid: Digest called on non-canonical SmallCid")
	}
	return sc.digest
}

// Equals reports whether two SmallCid values refer to the same CID.
func (sc SmallCid) Equals(other SmallCid) bool {
	if sc.canonical != other.canonical {
		return false
	}
	if sc.canonical {
		return sc.digest == other.digest
	}
	return sc.other.Equals(other.other)
}

// String renders sc for logging by expanding it back to a CID string. It
// never fails since canonical digests always re-encode.
func (sc SmallCid) String() string {
	c, err := sc.ToCid()
	if err != nil {
		return fmt.Sprintf("<invalid smallcid: %v>", err)
	}
	return c.String()
}
