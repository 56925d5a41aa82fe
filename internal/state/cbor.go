package state

import (
	"bufio"
	"fmt"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
	"github.com/ipfs/go-cid"
)

// Hand-rolled CBOR tuple helpers, the same pattern internal/chain's
// cbor.go uses: ActorState and Receipt are fixed-shape tuples, small
// enough that a generated codec would be more ceremony than the thing
// itself.

func writeNull(w io.Writer) error {
	_, err := w.Write([]byte{0xf6})
	return err
}

func writeUint(w io.Writer, v uint64) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, v)
}

func writeInt(w io.Writer, v int64) error {
	if v >= 0 {
		return writeUint(w, uint64(v))
	}
	return cbg.WriteMajorTypeHeader(w, cbg.MajNegativeInt, uint64(-v-1))
}

func writeBytes(w io.Writer, b []byte) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeArrayHeader(w io.Writer, n int) error {
	return cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(n))
}

func writeCid(w io.Writer, c cid.Cid) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTag, 42); err != nil {
		return err
	}
	raw := c.Bytes()
	tagged := make([]byte, len(raw)+1)
	tagged[0] = 0x00
	copy(tagged[1:], raw)
	return writeBytes(w, tagged)
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

func newCborReader(r io.Reader) *bufio.Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return br
	}
	return bufio.NewReader(r)
}

func readHeader(br byteReader) (major byte, val uint64, err error) {
	first, err := br.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	major = first >> 5
	low := first & 0x1f
	switch {
	case low < 24:
		return major, uint64(low), nil
	case low == 24:
		b, err := br.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return major, uint64(b), nil
	case low == 25, low == 26, low == 27:
		n := 1 << (low - 24)
		var val uint64
		for i := 0; i < n; i++ {
			b, err := br.ReadByte()
			if err != nil {
				return 0, 0, err
			}
			val = val<<8 | uint64(b)
		}
		return major, val, nil
	default:
		return 0, 0, fmt.Errorf("cbor: indefinite-length items are not supported")
	}
}

func readUint(br byteReader) (uint64, error) {
	major, v, err := readHeader(br)
	if err != nil {
		return 0, err
	}
	if major != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("cbor: expected unsigned int, got major type %d", major)
	}
	return v, nil
}

func readInt(br byteReader) (int64, error) {
	major, v, err := readHeader(br)
	if err != nil {
		return 0, err
	}
	switch major {
	case cbg.MajUnsignedInt:
		return int64(v), nil
	case cbg.MajNegativeInt:
		return -1 - int64(v), nil
	default:
		return 0, fmt.Errorf("cbor: expected integer, got major type %d", major)
	}
}

func readBytes(br byteReader) ([]byte, error) {
	major, n, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if major != cbg.MajByteString {
		return nil, fmt.Errorf("cbor: expected byte string, got major type %d", major)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readArrayHeader(br byteReader, want int) error {
	major, n, err := readHeader(br)
	if err != nil {
		return err
	}
	if major != cbg.MajArray {
		return fmt.Errorf("cbor: expected array, got major type %d", major)
	}
	if int(n) != want {
		return fmt.Errorf("cbor: expected array of length %d, got %d", want, n)
	}
	return nil
}

func readCid(br byteReader) (cid.Cid, error) {
	major, tag, err := readHeader(br)
	if err != nil {
		return cid.Undef, err
	}
	if major != cbg.MajTag || tag != 42 {
		return cid.Undef, fmt.Errorf("cbor: expected CID tag 42, got major %d tag %d", major, tag)
	}
	tagged, err := readBytes(br)
	if err != nil {
		return cid.Undef, err
	}
	if len(tagged) == 0 || tagged[0] != 0x00 {
		return cid.Undef, fmt.Errorf("cbor: invalid tagged CID multibase prefix")
	}
	return cid.Cast(tagged[1:])
}
