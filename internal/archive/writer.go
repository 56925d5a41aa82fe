package archive

import (
	"bufio"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// FrameLocation records where a frame's block bytes begin in the
// underlying file, for the index builder.
type FrameLocation struct {
	Cid    cid.Cid
	Offset uint64
	Length uint64
}

// Writer appends (cid, block) frames to an archive file and reports each
// frame's byte offset so the caller can build an index alongside it.
type Writer struct {
	w      *bufio.Writer
	offset uint64
}

// NewWriter wraps w, writing the archive header and root list immediately.
// roots names the tipset (or other top-level object) this archive is a
// snapshot of; it is opaque to the frame stream below it and may be nil
// for archives with no distinguished root (e.g. a blockstore segment).
func NewWriter(w io.Writer, roots []cid.Cid) (*Writer, error) {
	bw := bufio.NewWriter(w)
	n, err := bw.Write(WriteHeader(nil))
	if err != nil {
		return nil, fmt.Errorf("archive: writing header: %w", err)
	}
	wr := &Writer{w: bw, offset: uint64(n)}
	if err := wr.writeUvarintLen(uint64(len(roots))); err != nil {
		return nil, err
	}
	for _, r := range roots {
		if err := wr.writeUvarintBytes(r.Bytes()); err != nil {
			return nil, err
		}
	}
	return wr, nil
}

// Put appends a single frame and returns its location. A frame is one
// varint length covering cidBytes||data concatenated, exactly as spec
// §4.C and the CAR format it follows define it: the CID's own
// self-describing encoding is what lets a reader split the two back
// apart, so no second length field is written for the CID.
func (wr *Writer) Put(b blocks.Block) (FrameLocation, error) {
	c := b.Cid()
	cidBytes := c.Bytes()
	data := b.RawData()

	if err := wr.writeUvarintLen(uint64(len(cidBytes) + len(data))); err != nil {
		return FrameLocation{}, err
	}
	if err := wr.writeRaw(cidBytes); err != nil {
		return FrameLocation{}, err
	}
	dataOffset := wr.offset
	if err := wr.writeRaw(data); err != nil {
		return FrameLocation{}, err
	}

	return FrameLocation{Cid: c, Offset: dataOffset, Length: uint64(len(data))}, nil
}

func (wr *Writer) writeUvarintLen(n uint64) error {
	lenBuf := varint.ToUvarint(n)
	return wr.writeRaw(lenBuf)
}

func (wr *Writer) writeRaw(b []byte) error {
	n, err := wr.w.Write(b)
	if err != nil {
		return fmt.Errorf("archive: writing frame bytes: %w", err)
	}
	wr.offset += uint64(n)
	return nil
}

func (wr *Writer) writeUvarintBytes(b []byte) error {
	if err := wr.writeUvarintLen(uint64(len(b))); err != nil {
		return err
	}
	return wr.writeRaw(b)
}

// Offset reports the number of bytes written so far, i.e. where the next
// frame would begin.
func (wr *Writer) Offset() uint64 {
	return wr.offset
}

// ResumeWriter wraps an io.Writer positioned at the end of an existing,
// already-headered archive of known size, so further frames can be
// appended without rewriting the header. Used when reopening a segment
// generation's frame file after a restart.
func ResumeWriter(w io.Writer, size uint64) *Writer {
	return &Writer{w: bufio.NewWriter(w), offset: size}
}

// Flush flushes the underlying buffered writer.
func (wr *Writer) Flush() error {
	return wr.w.Flush()
}
