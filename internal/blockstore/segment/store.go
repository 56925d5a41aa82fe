// Package segment implements a persistent, generational blockstore
// backend: each generation is one archive file (see the archive package)
// plus its index, and compaction works by copying live blocks into a
// fresh generation and atomically swapping it in, exactly as lotus's
// badgerbs.movingGC swaps in a freshly-copied badger directory rather
// than compacting in place. No embedded key-value engine is used here;
// the generation/compaction bookkeeping is new code built around the
// existing archive frame format.
package segment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	lru "github.com/hashicorp/golang-lru/v2"

	archivefmt "corechain/internal/archive"
	archiveindex "corechain/internal/archive/index"
	bstore "corechain/internal/blockstore"
	ccid "corechain/internal/cid"
	"corechain/internal/logging"
)

var log = logging.Logger("corechain/blockstore/segment")

const currentFile = "CURRENT"

// hotCacheSize bounds the raw-bytes read cache Get/View consult before
// touching disk. Entries are content-addressed, so a stale hit is never
// possible; eviction only ever costs a re-read.
const hotCacheSize = 2048

// Store is a durable Blockstore backed by one archive-formatted
// generation file at a time. Writes append to the current generation;
// Compact mark-and-copies live blocks into a new generation and retires
// the old one.
type Store struct {
	dir string

	mu      sync.RWMutex
	gen     uint64
	genDir  string
	frameFh *os.File
	writer  *archivefmt.Writer
	offsets   map[ccid.SmallCid]uint64 // SmallCid -> offset of raw bytes in frameFh
	lengthIdx map[uint64]uint64        // offset -> raw byte length
	tomb      map[ccid.SmallCid]struct{}
	hot       *lru.Cache[ccid.SmallCid, []byte]
}

var (
	_ bstore.Blockstore = (*Store)(nil)
	_ bstore.Viewer     = (*Store)(nil)
)

// Open opens or creates a segment store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: creating %s: %w", dir, err)
	}
	hot, err := lru.New[ccid.SmallCid, []byte](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("segment: building hot cache: %w", err)
	}
	s := &Store{dir: dir, hot: hot}

	gen, err := readCurrent(dir)
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		gen = 1
		if err := writeCurrent(dir, gen); err != nil {
			return nil, err
		}
	}
	if err := s.openGeneration(gen); err != nil {
		return nil, err
	}
	return s, nil
}

func genDir(root string, gen uint64) string {
	return filepath.Join(root, fmt.Sprintf("gen-%06d", gen))
}

func readCurrent(root string) (uint64, error) {
	b, err := os.ReadFile(filepath.Join(root, currentFile))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("segment: reading CURRENT: %w", err)
	}
	var gen uint64
	if _, err := fmt.Sscanf(string(b), "%d", &gen); err != nil {
		return 0, fmt.Errorf("segment: parsing CURRENT: %w", err)
	}
	return gen, nil
}

func writeCurrent(root string, gen uint64) error {
	tmp := filepath.Join(root, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", gen)), 0o644); err != nil {
		return fmt.Errorf("segment: writing CURRENT: %w", err)
	}
	return os.Rename(tmp, filepath.Join(root, currentFile))
}

// openGeneration opens (or creates) the frame file for gen, populating
// s.offsets either by enumerating a saved index (the common case on a
// clean restart, avoiding a full rescan of the frame stream per spec
// §4.D) or, when no usable index is present, by a linear scan, mirroring
// how a crash-recovering badger reopens its write-ahead log.
func (s *Store) openGeneration(gen uint64) error {
	gd := genDir(s.dir, gen)
	if err := os.MkdirAll(gd, 0o755); err != nil {
		return fmt.Errorf("segment: creating generation dir: %w", err)
	}
	framePath := filepath.Join(gd, "frames.bin")

	var frameSize uint64
	frameExists := false
	if fi, err := os.Stat(framePath); err == nil {
		frameSize = uint64(fi.Size())
		frameExists = true
	}

	offsets, lengths, loadedFromIndex := s.loadIndex(gd, gen, frameSize)
	if !loadedFromIndex {
		offsets = make(map[ccid.SmallCid]uint64)
		lengths = make(map[uint64]uint64)
		if frameExists {
			if err := replayFrames(framePath, offsets, lengths); err != nil {
				return fmt.Errorf("segment: replaying generation %d: %w", gen, err)
			}
		}
	}

	fh, err := os.OpenFile(framePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("segment: opening frame file: %w", err)
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return err
	}
	var wr *archivefmt.Writer
	if fi.Size() == 0 {
		wr, err = archivefmt.NewWriter(fh, nil)
		if err != nil {
			fh.Close()
			return err
		}
	} else {
		if _, err := fh.Seek(0, io.SeekEnd); err != nil {
			fh.Close()
			return err
		}
		wr = archivefmt.ResumeWriter(fh, uint64(fi.Size()))
	}

	s.gen = gen
	s.genDir = gd
	s.frameFh = fh
	s.writer = wr
	s.offsets = offsets
	s.lengthIdx = lengths
	s.tomb = make(map[ccid.SmallCid]struct{})
	return nil
}

// loadIndex reads generation gen's saved frames.idx, if any, and
// enumerates it into offsets/lengths (keyed the same way replayFrames'
// output is: data offset and data length, not the frame's cidBytes||data
// span the index itself stores records in). It refuses a stale index —
// one whose highest recorded frame extends past the actual frame file's
// current size — falling back to a rescan instead of trusting an index
// left behind by a crash mid-write.
func (s *Store) loadIndex(gd string, gen uint64, frameSize uint64) (map[ccid.SmallCid]uint64, map[uint64]uint64, bool) {
	idxBytes, err := os.ReadFile(filepath.Join(gd, "frames.idx"))
	if err != nil {
		return nil, nil, false
	}
	idx, err := archiveindex.ReadFrom(idxBytes)
	if err != nil {
		log.Warnf("generation %d: discarding unreadable index, rebuilding: %s", gen, err)
		return nil, nil, false
	}
	keys, recs, err := idx.Entries()
	if err != nil {
		log.Warnf("generation %d: discarding undecodable index, rebuilding: %s", gen, err)
		return nil, nil, false
	}

	offsets := make(map[ccid.SmallCid]uint64, len(keys))
	lengths := make(map[uint64]uint64, len(keys))
	for i, sc := range keys {
		rec := recs[i]
		if rec.Offset+rec.Length > frameSize {
			log.Warnf("generation %d: index entry extends past frame file size %d, rebuilding", gen, frameSize)
			return nil, nil, false
		}
		c, err := sc.ToCid()
		if err != nil {
			log.Warnf("generation %d: index entry has unexpandable key, rebuilding: %s", gen, err)
			return nil, nil, false
		}
		off, length := dataLocationFromRecord(c, rec)
		offsets[sc] = off
		lengths[off] = length
	}
	return offsets, lengths, true
}

// frameRecordFor converts a just-written frame's archive.FrameLocation
// (which covers only the block's raw data, per archive.Writer.Put) into
// the index's Record, which covers the whole cidBytes||data span a
// reader needs to re-derive the split via cid.CidFromBytes.
func frameRecordFor(c cid.Cid, loc archivefmt.FrameLocation) archiveindex.Record {
	cidLen := uint64(len(c.Bytes()))
	return archiveindex.Record{Offset: loc.Offset - cidLen, Length: cidLen + loc.Length}
}

// dataLocationFromRecord is frameRecordFor's inverse: given an index
// Record and the CID it was stored under, recovers the data-only
// offset/length this store's in-memory maps key reads by.
func dataLocationFromRecord(c cid.Cid, rec archiveindex.Record) (offset, length uint64) {
	cidLen := uint64(len(c.Bytes()))
	return rec.Offset + cidLen, rec.Length - cidLen
}

func replayFrames(path string, offsets map[ccid.SmallCid]uint64, lengths map[uint64]uint64) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	rd, err := archivefmt.NewReader(bufio.NewReader(fh))
	if err != nil {
		return err
	}
	for {
		blk, loc, err := rd.Next()
		if err != nil {
			break
		}
		sc := ccid.FromCid(blk.Cid())
		offsets[sc] = loc.Offset
		lengths[loc.Offset] = loc.Length
	}
	return nil
}

func (s *Store) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := ccid.FromCid(c)
	if _, dead := s.tomb[sc]; dead {
		return nil, bstore.ErrNotFound
	}
	if data, ok := s.hot.Get(sc); ok {
		return blocks.NewBlockWithCid(data, c)
	}
	off, ok := s.offsets[sc]
	if !ok {
		return nil, bstore.ErrNotFound
	}
	data, err := s.readAt(off)
	if err != nil {
		return nil, err
	}
	s.hot.Add(sc, data)
	return blocks.NewBlockWithCid(data, c)
}

func (s *Store) View(ctx context.Context, c cid.Cid, fn func([]byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := ccid.FromCid(c)
	if _, dead := s.tomb[sc]; dead {
		return bstore.ErrNotFound
	}
	if data, ok := s.hot.Get(sc); ok {
		return fn(data)
	}
	off, ok := s.offsets[sc]
	if !ok {
		return bstore.ErrNotFound
	}
	data, err := s.readAt(off)
	if err != nil {
		return err
	}
	s.hot.Add(sc, data)
	return fn(data)
}

// readAt reads a frame's raw bytes directly, without re-deriving the
// length from the offsets map: the length precedes the offset in the
// frame and was already validated when the offset was recorded, so we
// keep a side table instead of trusting a second varint parse here.
func (s *Store) readAt(off uint64) ([]byte, error) {
	length, ok := s.lengths()[off]
	if !ok {
		return nil, fmt.Errorf("segment: missing length for offset %d", off)
	}
	buf := make([]byte, length)
	if _, err := s.frameFh.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("segment: short read at offset %d: %w", off, err)
	}
	return buf, nil
}

// lengths is populated lazily the first time it's needed after a replay;
// Put always keeps it current.
func (s *Store) lengths() map[uint64]uint64 {
	if s.lengthIdx == nil {
		s.lengthIdx = make(map[uint64]uint64)
	}
	return s.lengthIdx
}

func (s *Store) Put(ctx context.Context, b blocks.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(b)
}

func (s *Store) putLocked(b blocks.Block) error {
	sc := ccid.FromCid(b.Cid())
	if _, ok := s.offsets[sc]; ok {
		delete(s.tomb, sc)
		return nil
	}
	loc, err := s.writer.Put(b)
	if err != nil {
		return fmt.Errorf("segment: appending frame: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("segment: flushing: %w", err)
	}
	s.offsets[sc] = loc.Offset
	s.lengths()[loc.Offset] = loc.Length
	delete(s.tomb, sc)
	s.hot.Add(sc, b.RawData())
	return nil
}

func (s *Store) PutMany(ctx context.Context, bs []blocks.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bs {
		if err := s.putLocked(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := ccid.FromCid(c)
	if _, dead := s.tomb[sc]; dead {
		return false, nil
	}
	_, ok := s.offsets[sc]
	return ok, nil
}

func (s *Store) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc := ccid.FromCid(c)
	off, ok := s.offsets[sc]
	if !ok {
		return -1, bstore.ErrNotFound
	}
	return int(s.lengths()[off]), nil
}

// DeleteBlock tombstones c within the current generation. The frame bytes
// are only actually reclaimed by the next Compact.
func (s *Store) DeleteBlock(ctx context.Context, c cid.Cid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := ccid.FromCid(c)
	s.tomb[sc] = struct{}{}
	s.hot.Remove(sc)
	return nil
}

func (s *Store) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	s.mu.RLock()
	keys := make([]cid.Cid, 0, len(s.offsets))
	for sc := range s.offsets {
		if _, dead := s.tomb[sc]; dead {
			continue
		}
		c, err := sc.ToCid()
		if err != nil {
			continue
		}
		keys = append(keys, c)
	}
	s.mu.RUnlock()

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		for _, c := range keys {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Compact performs a mark-then-copy-and-swap GC pass: every block for
// which isLive returns true is copied into a fresh generation; the old
// generation is then deleted. This mirrors badgerbs.movingGC exactly,
// substituting a flat archive generation for a badger directory.
func (s *Store) Compact(ctx context.Context, isLive func(cid.Cid) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newGen := s.gen + 1
	newDir := genDir(s.dir, newGen)
	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return fmt.Errorf("segment: creating new generation dir: %w", err)
	}
	newFramePath := filepath.Join(newDir, "frames.bin")
	newFh, err := os.OpenFile(newFramePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("segment: opening new frame file: %w", err)
	}
	newWriter, err := archivefmt.NewWriter(newFh, nil)
	if err != nil {
		newFh.Close()
		return err
	}

	newOffsets := make(map[ccid.SmallCid]uint64)
	newLengths := make(map[uint64]uint64)
	indexRecords := make(map[ccid.SmallCid]archiveindex.Record)
	for sc, off := range s.offsets {
		if _, dead := s.tomb[sc]; dead {
			continue
		}
		c, err := sc.ToCid()
		if err != nil {
			continue
		}
		if !isLive(c) {
			continue
		}
		length := s.lengths()[off]
		data := make([]byte, length)
		if _, err := s.frameFh.ReadAt(data, int64(off)); err != nil {
			newFh.Close()
			return fmt.Errorf("segment: reading live block during compaction: %w", err)
		}
		blk, err := blocks.NewBlockWithCid(data, c)
		if err != nil {
			newFh.Close()
			return err
		}
		loc, err := newWriter.Put(blk)
		if err != nil {
			newFh.Close()
			return fmt.Errorf("segment: copying live block during compaction: %w", err)
		}
		newOffsets[sc] = loc.Offset
		newLengths[loc.Offset] = loc.Length
		indexRecords[sc] = frameRecordFor(c, loc)
	}
	if err := newWriter.Flush(); err != nil {
		newFh.Close()
		return err
	}

	idx, err := archiveindex.Build(indexRecords)
	if err != nil {
		newFh.Close()
		return fmt.Errorf("segment: building index for new generation: %w", err)
	}
	idxFh, err := os.Create(filepath.Join(newDir, "frames.idx"))
	if err != nil {
		newFh.Close()
		return err
	}
	if _, err := idx.WriteTo(idxFh); err != nil {
		idxFh.Close()
		newFh.Close()
		return err
	}
	if err := idxFh.Close(); err != nil {
		newFh.Close()
		return err
	}

	// Atomic swap: publish the new generation, then retire the old one.
	if err := writeCurrent(s.dir, newGen); err != nil {
		newFh.Close()
		return err
	}

	oldFh := s.frameFh
	oldDir := s.genDir

	s.gen = newGen
	s.genDir = newDir
	s.frameFh = newFh
	s.writer = newWriter
	s.offsets = newOffsets
	s.lengthIdx = newLengths
	s.tomb = make(map[ccid.SmallCid]struct{})
	s.hot.Purge()

	if err := oldFh.Close(); err != nil {
		log.Warnf("compact: closing retired generation file: %s", err)
	}
	go func(dir string) {
		// Best-effort; a crash here just leaves an orphaned generation
		// directory behind for a future compaction to notice and delete.
		time.Sleep(0)
		if err := os.RemoveAll(dir); err != nil {
			log.Warnf("compact: removing retired generation %s: %s", dir, err)
		}
	}(oldDir)

	return nil
}

// Close flushes and closes the current generation.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	indexRecords := make(map[ccid.SmallCid]archiveindex.Record, len(s.offsets))
	for sc, off := range s.offsets {
		c, err := sc.ToCid()
		if err != nil {
			continue
		}
		indexRecords[sc] = frameRecordFor(c, archivefmt.FrameLocation{Offset: off, Length: s.lengths()[off]})
	}
	idx, err := archiveindex.Build(indexRecords)
	if err != nil {
		return err
	}
	idxFh, err := os.Create(filepath.Join(s.genDir, "frames.idx"))
	if err != nil {
		return err
	}
	if _, err := idx.WriteTo(idxFh); err != nil {
		idxFh.Close()
		return err
	}
	if err := idxFh.Close(); err != nil {
		return err
	}
	return s.frameFh.Close()
}
