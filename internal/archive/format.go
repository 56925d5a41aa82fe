// Package archive implements the snapshot archive container: a magic
// header, a root list, and a stream of length-prefixed (CID, block)
// frames. The archive file carries no index of its own; single-block
// lookups without a full scan go through a separate index file (see the
// index subpackage) that callers build from the frame locations Put
// returns.
package archive

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies an archive file. It is 8 bytes so it is naturally
// aligned and leaves no ambiguity with other length-prefixed formats.
var Magic = [8]byte{'F', 'O', 'R', 'E', 'S', 'T', 0x00, 0x01}

// Version is the current archive format version, stored immediately after
// Magic as a big-endian uint32 so a future incompatible change can be
// rejected before any frame is parsed.
const Version uint32 = 1

// HeaderSize is the length, in bytes, of the fixed file preamble
// (Magic + Version).
const HeaderSize = len(Magic) + 4

// WriteHeader appends the archive preamble to buf.
func WriteHeader(buf []byte) []byte {
	buf = append(buf, Magic[:]...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], Version)
	return append(buf, v[:]...)
}

// ParseHeader validates and strips the archive preamble from buf,
// returning the remainder.
func ParseHeader(buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("archive: truncated header (%d bytes)", len(buf))
	}
	var magic [8]byte
	copy(magic[:], buf[:8])
	if magic != Magic {
		return nil, fmt.Errorf("archive: bad magic %x", magic)
	}
	version := binary.BigEndian.Uint32(buf[8:12])
	if version != Version {
		return nil, fmt.Errorf("archive: unsupported version %d", version)
	}
	return buf[HeaderSize:], nil
}
