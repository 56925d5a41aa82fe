package archive

import (
	"bufio"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Reader sequentially walks an archive's frames, in the shape
// writer.Put produced them: a single varint length covering the
// concatenated cidBytes||data, the CID's own self-describing encoding
// marking where the block bytes begin within that span.
type Reader struct {
	r      byteReader
	offset uint64
	roots  []cid.Cid
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

// NewReader wraps r, consuming and validating the archive header and
// root list. r is wrapped in a bufio.Reader unless it already implements
// io.ByteReader.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("archive: reading header: %w", err)
	}
	if _, err := ParseHeader(hdr[:]); err != nil {
		return nil, err
	}
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	rd := &Reader{r: br, offset: uint64(HeaderSize)}

	count, err := rd.readUvarintLen()
	if err != nil {
		return nil, fmt.Errorf("archive: reading root count: %w", err)
	}
	roots := make([]cid.Cid, count)
	for i := range roots {
		rootBytes, err := rd.readUvarintBytes()
		if err != nil {
			return nil, fmt.Errorf("archive: reading root %d: %w", i, err)
		}
		c, err := cid.Cast(rootBytes)
		if err != nil {
			return nil, fmt.Errorf("archive: malformed root cid: %w", err)
		}
		roots[i] = c
	}
	rd.roots = roots
	return rd, nil
}

// Roots returns the archive's declared root CIDs, in the order they were
// written.
func (rd *Reader) Roots() []cid.Cid { return rd.roots }

// Next reads the following frame, or returns io.EOF once the stream is
// exhausted.
func (rd *Reader) Next() (blocks.Block, FrameLocation, error) {
	frameLen, err := rd.readUvarintLen()
	if err != nil {
		return nil, FrameLocation{}, err
	}
	frameOffset := rd.offset
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(rd.r, frame); err != nil {
		return nil, FrameLocation{}, fmt.Errorf("archive: truncated frame body: %w", err)
	}
	rd.offset += frameLen

	c, n, err := cid.CidFromBytes(frame)
	if err != nil {
		return nil, FrameLocation{}, fmt.Errorf("archive: malformed cid in frame: %w", err)
	}
	data := frame[n:]
	dataOffset := frameOffset + uint64(n)

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, FrameLocation{}, fmt.Errorf("archive: block cid mismatch: %w", err)
	}
	return blk, FrameLocation{Cid: c, Offset: dataOffset, Length: uint64(len(data))}, nil
}

func (rd *Reader) readUvarintLen() (uint64, error) {
	n, err := varint.ReadUvarint(rd.r)
	if err != nil {
		return 0, err
	}
	rd.offset += uint64(varint.UvarintSize(n))
	return n, nil
}

func (rd *Reader) readUvarintBytes() ([]byte, error) {
	n, err := rd.readUvarintLen()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return nil, fmt.Errorf("archive: truncated bytes field: %w", err)
	}
	rd.offset += n
	return buf, nil
}
