// Package index implements the archive's on-disk lookup index: an
// open-addressed, bucketed hash table mapping a compacted CID to the byte
// offset and length of its frame in the companion archive file, so a
// single block can be retrieved without scanning the archive
// sequentially.
//
// The layout is a simplified, fixed-width descendant of
// yellowstone-faithful's compactindexsized: buckets are selected by
// xxhash, and within a bucket a per-bucket hash domain is brute-forced
// until entries collide no further, exactly as compactindexsized's
// BucketHeader.HashDomain does. Unlike compactindexsized, offset and
// length are always a fixed 8 bytes each (archives are bounded by uint64
// length) and a trailing CRC32 guards the whole index against
// partial-write corruption. A trailing keys section, absent from
// compactindexsized (which is a pure existence/offset index over keys
// the caller already holds), lets this index additionally be enumerated
// wholesale on reopen, since spec.md §4.A requires every CID to survive
// round-tripping through its full, self-describing wire form.
package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/cespare/xxhash/v2"
	gocid "github.com/ipfs/go-cid"

	ccid "corechain/internal/cid"
)

// Magic identifies an index file.
var Magic = [8]byte{'C', 'C', 'I', 'D', 'X', 0x00, 0x01, 0x00}

const (
	targetBucketSize = 4096
	entryStride       = 24 // 8 bytes hash + 8 bytes offset + 8 bytes length
	bucketHeaderSize  = 16 // HashDomain(4) + NumEntries(4) + FileOffset(8)
	maxDomainAttempts = 1 << 16
)

// Record is the archive location an index entry resolves a key to: the
// byte offset of the frame's cidBytes||data span and its total length.
type Record struct {
	Offset uint64
	Length uint64
}

// entry is a single (hash, archive-location) pair within a bucket.
type entry struct {
	hash   uint64
	offset uint64
	length uint64
}

// bucket is a sorted-by-hash run of entries, plus the domain that was
// used to hash its keys.
type bucket struct {
	domain  uint32
	entries []entry
	keys    [][]byte // parallel to entries, in the same order; full CID bytes
}

// Index is an in-memory representation of the on-disk index, built once
// from a complete set of (SmallCid, Record) pairs and then either
// searched directly, enumerated, or serialized.
type Index struct {
	numBuckets uint32
	buckets    []bucket
}

// Build constructs an Index over the given CID-to-location map. It is
// used once per archive generation, after all frames have been written.
func Build(records map[ccid.SmallCid]Record) (*Index, error) {
	n := len(records)
	numBuckets := uint32(n/targetBucketSize) + 1

	type item struct {
		hashKey []byte
		rawKey  []byte
		rec     Record
	}
	raw := make([][]item, numBuckets)

	for sc, rec := range records {
		c, err := sc.ToCid()
		if err != nil {
			return nil, fmt.Errorf("index: expanding key: %w", err)
		}
		hk := keyBytes(sc)
		b := bucketFor(hk, numBuckets)
		raw[b] = append(raw[b], item{hashKey: hk, rawKey: c.Bytes(), rec: rec})
	}

	idx := &Index{numBuckets: numBuckets, buckets: make([]bucket, numBuckets)}
	for i, items := range raw {
		domainItems := make([]struct {
			key []byte
			off uint64
		}, len(items))
		for j, it := range items {
			domainItems[j] = struct {
				key []byte
				off uint64
			}{it.hashKey, it.rec.Offset}
		}
		domain, err := findDomain(domainItems)
		if err != nil {
			return nil, fmt.Errorf("index: bucket %d: %w", i, err)
		}

		type ordered struct {
			e entry
			k []byte
		}
		ents := make([]ordered, len(items))
		for j, it := range items {
			ents[j] = ordered{
				e: entry{hash: entryHash(domain, it.hashKey), offset: it.rec.Offset, length: it.rec.Length},
				k: it.rawKey,
			}
		}
		sort.Slice(ents, func(a, b int) bool { return ents[a].e.hash < ents[b].e.hash })

		entries := make([]entry, len(ents))
		keys := make([][]byte, len(ents))
		for j, o := range ents {
			entries[j] = o.e
			keys[j] = o.k
		}
		idx.buckets[i] = bucket{domain: domain, entries: entries, keys: keys}
	}
	return idx, nil
}

// Lookup returns the archive location for sc, if present.
func (idx *Index) Lookup(sc ccid.SmallCid) (Record, bool) {
	key := keyBytes(sc)
	b := idx.buckets[bucketFor(key, idx.numBuckets)]
	h := entryHash(b.domain, key)
	entries := b.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= h })
	if i < len(entries) && entries[i].hash == h {
		return Record{Offset: entries[i].offset, Length: entries[i].length}, true
	}
	return Record{}, false
}

// Entries enumerates every (SmallCid, Record) pair the index holds. Used
// to repopulate an in-memory offset table on reopen without rescanning
// the archive's frame stream.
func (idx *Index) Entries() ([]ccid.SmallCid, []Record, error) {
	var keys []ccid.SmallCid
	var recs []Record
	for _, b := range idx.buckets {
		for j, e := range b.entries {
			c, err := gocid.Cast(b.keys[j])
			if err != nil {
				return nil, nil, fmt.Errorf("index: decoding stored key: %w", err)
			}
			keys = append(keys, ccid.FromCid(c))
			recs = append(recs, Record{Offset: e.offset, Length: e.length})
		}
	}
	return keys, recs, nil
}

// WriteTo serializes the index to w: bucket headers, then every bucket's
// entries, then every bucket's raw keys (same order as the entries they
// describe), followed by a CRC32 of everything preceding it.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	cw := &crcWriter{w: bufio.NewWriter(w), crc: crc32.NewIEEE()}

	if err := cw.write(Magic[:]); err != nil {
		return cw.n, err
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], idx.numBuckets)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(idx.buckets)))
	if err := cw.write(hdr[:]); err != nil {
		return cw.n, err
	}

	// Bucket headers first, so a reader can locate any bucket's entry
	// run without parsing earlier buckets.
	fileOffset := uint64(len(Magic) + 8 + int(idx.numBuckets)*bucketHeaderSize)
	for _, b := range idx.buckets {
		var bh [bucketHeaderSize]byte
		binary.LittleEndian.PutUint32(bh[0:4], b.domain)
		binary.LittleEndian.PutUint32(bh[4:8], uint32(len(b.entries)))
		binary.LittleEndian.PutUint64(bh[8:16], fileOffset)
		if err := cw.write(bh[:]); err != nil {
			return cw.n, err
		}
		fileOffset += uint64(len(b.entries)) * entryStride
	}

	for _, b := range idx.buckets {
		for _, e := range b.entries {
			var eb [entryStride]byte
			binary.LittleEndian.PutUint64(eb[0:8], e.hash)
			binary.LittleEndian.PutUint64(eb[8:16], e.offset)
			binary.LittleEndian.PutUint64(eb[16:24], e.length)
			if err := cw.write(eb[:]); err != nil {
				return cw.n, err
			}
		}
	}

	for _, b := range idx.buckets {
		for _, key := range b.keys {
			var kl [4]byte
			binary.LittleEndian.PutUint32(kl[:], uint32(len(key)))
			if err := cw.write(kl[:]); err != nil {
				return cw.n, err
			}
			if err := cw.write(key); err != nil {
				return cw.n, err
			}
		}
	}

	sum := cw.crc.Sum32()
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)
	if _, err := cw.w.Write(trailer[:]); err != nil {
		return cw.n, err
	}
	cw.n += 4
	return cw.n, cw.w.Flush()
}

type crcWriter struct {
	w   *bufio.Writer
	crc hashWriter
	n   int64
}

type hashWriter = interface {
	io.Writer
	Sum32() uint32
}

func (cw *crcWriter) write(b []byte) error {
	if _, err := cw.w.Write(b); err != nil {
		return err
	}
	cw.crc.Write(b)
	cw.n += int64(len(b))
	return nil
}

// ReadFrom parses a serialized index, validating its trailing CRC32.
func ReadFrom(buf []byte) (*Index, error) {
	if len(buf) < len(Magic)+8+4 {
		return nil, fmt.Errorf("index: truncated (%d bytes)", len(buf))
	}
	var magic [8]byte
	copy(magic[:], buf[:8])
	if magic != Magic {
		return nil, fmt.Errorf("index: bad magic %x", magic)
	}

	body := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return nil, fmt.Errorf("index: crc32 mismatch: got %x want %x", gotCRC, wantCRC)
	}

	numBuckets := binary.LittleEndian.Uint32(buf[8:12])

	idx := &Index{numBuckets: numBuckets, buckets: make([]bucket, numBuckets)}
	pos := 16
	type hdrT struct {
		domain     uint32
		numEntries uint32
		fileOffset uint64
	}
	hdrs := make([]hdrT, numBuckets)
	for i := range hdrs {
		if pos+bucketHeaderSize > len(body) {
			return nil, fmt.Errorf("index: truncated bucket header %d", i)
		}
		h := hdrT{
			domain:     binary.LittleEndian.Uint32(buf[pos : pos+4]),
			numEntries: binary.LittleEndian.Uint32(buf[pos+4 : pos+8]),
			fileOffset: binary.LittleEndian.Uint64(buf[pos+8 : pos+16]),
		}
		hdrs[i] = h
		pos += bucketHeaderSize
	}

	var maxEntryEnd int
	for i, h := range hdrs {
		entries := make([]entry, h.numEntries)
		off := int(h.fileOffset)
		for j := range entries {
			if off+entryStride > len(body) {
				return nil, fmt.Errorf("index: truncated entries in bucket %d", i)
			}
			entries[j] = entry{
				hash:   binary.LittleEndian.Uint64(buf[off : off+8]),
				offset: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
				length: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
			}
			off += entryStride
		}
		idx.buckets[i] = bucket{domain: h.domain, entries: entries}
		if off > maxEntryEnd {
			maxEntryEnd = off
		}
	}

	// Keys trail the entry tables, in the same bucket-then-entry order
	// the entries themselves were written in.
	kpos := maxEntryEnd
	for i, b := range idx.buckets {
		keys := make([][]byte, len(b.entries))
		for j := range b.entries {
			if kpos+4 > len(body) {
				return nil, fmt.Errorf("index: truncated key length in bucket %d entry %d", i, j)
			}
			kl := int(binary.LittleEndian.Uint32(buf[kpos : kpos+4]))
			kpos += 4
			if kpos+kl > len(body) {
				return nil, fmt.Errorf("index: truncated key bytes in bucket %d entry %d", i, j)
			}
			keys[j] = append([]byte(nil), buf[kpos:kpos+kl]...)
			kpos += kl
		}
		idx.buckets[i].keys = keys
	}

	return idx, nil
}

func keyBytes(sc ccid.SmallCid) []byte {
	if sc.IsCanonical() {
		d := sc.Digest()
		return d[:]
	}
	c, err := sc.ToCid()
	if err != nil {
		return []byte(sc.String())
	}
	return c.Bytes()
}

func bucketFor(key []byte, numBuckets uint32) uint32 {
	return uint32(xxhash.Sum64(key) % uint64(numBuckets))
}

func entryHash(domain uint32, key []byte) uint64 {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], domain)
	d := xxhash.New()
	d.Write(prefix[:])
	d.Write(key)
	return d.Sum64()
}

// findDomain brute-forces the smallest hash domain that produces
// collision-free hashes for every key in a bucket, mirroring
// compactindexsized's per-bucket FKS construction.
func findDomain(items []struct {
	key []byte
	off uint64
}) (uint32, error) {
	if len(items) <= 1 {
		return 0, nil
	}
	seen := make(map[uint64]struct{}, len(items))
	for domain := uint32(0); domain < maxDomainAttempts; domain++ {
		clear(seen)
		collision := false
		for _, it := range items {
			h := entryHash(domain, it.key)
			if _, dup := seen[h]; dup {
				collision = true
				break
			}
			seen[h] = struct{}{}
		}
		if !collision {
			return domain, nil
		}
	}
	return 0, fmt.Errorf("no collision-free hash domain found for %d entries", len(items))
}
