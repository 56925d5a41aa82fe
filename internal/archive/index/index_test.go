package index

import (
	"bytes"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	ccid "corechain/internal/cid"
)

func smallCidFor(t *testing.T, data []byte) ccid.SmallCid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		t.Fatalf("multihash.Sum: %v", err)
	}
	return ccid.FromCid(gocid.NewCidV1(gocid.DagCBOR, mh))
}

func TestBuildLookupRoundTrip(t *testing.T) {
	records := make(map[ccid.SmallCid]Record)
	var keys []ccid.SmallCid
	for i := 0; i < 5000; i++ {
		sc := smallCidFor(t, []byte{byte(i), byte(i >> 8), byte(i >> 16)})
		records[sc] = Record{Offset: uint64(i) * 37, Length: uint64(i%64 + 1)}
		keys = append(keys, sc)
	}

	idx, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, k := range keys {
		want := records[k]
		got, ok := idx.Lookup(k)
		if !ok {
			t.Fatalf("lookup miss for a key that was inserted")
		}
		if got != want {
			t.Fatalf("lookup mismatch: got %+v want %+v", got, want)
		}
	}

	missing := smallCidFor(t, []byte("definitely not present"))
	if _, ok := idx.Lookup(missing); ok {
		t.Fatalf("expected lookup miss for absent key")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	records := make(map[ccid.SmallCid]Record)
	for i := 0; i < 200; i++ {
		sc := smallCidFor(t, []byte{byte(i), byte(i >> 8)})
		records[sc] = Record{Offset: uint64(i) * 97, Length: uint64(i + 1)}
	}
	idx, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	idx2, err := ReadFrom(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	for sc, want := range records {
		got, ok := idx2.Lookup(sc)
		if !ok || got != want {
			t.Fatalf("round-tripped index mismatch: got (%+v,%v) want %+v", got, ok, want)
		}
	}
}

func TestEntriesEnumeratesEverything(t *testing.T) {
	records := make(map[ccid.SmallCid]Record)
	for i := 0; i < 500; i++ {
		sc := smallCidFor(t, []byte{byte(i), byte(i >> 8)})
		records[sc] = Record{Offset: uint64(i) * 11, Length: uint64(i + 3)}
	}
	idx, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	idx2, err := ReadFrom(buf.Bytes())
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	keys, recs, err := idx2.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(keys) != len(records) {
		t.Fatalf("enumerated %d entries, want %d", len(keys), len(records))
	}
	got := make(map[ccid.SmallCid]Record, len(keys))
	for i, k := range keys {
		got[k] = recs[i]
	}
	for sc, want := range records {
		rec, ok := got[sc]
		if !ok {
			t.Fatalf("Entries missing key %s", sc)
		}
		if rec != want {
			t.Fatalf("Entries mismatch for %s: got %+v want %+v", sc, rec, want)
		}
	}
}

func TestCorruptedIndexRejected(t *testing.T) {
	records := map[ccid.SmallCid]Record{
		smallCidFor(t, []byte("a")): {Offset: 1, Length: 1},
		smallCidFor(t, []byte("b")): {Offset: 2, Length: 2},
	}
	idx, err := Build(records)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-5] ^= 0xFF // flip a bit inside the trailing key bytes

	if _, err := ReadFrom(corrupted); err == nil {
		t.Fatal("expected crc32 mismatch error on corrupted index")
	}
}
