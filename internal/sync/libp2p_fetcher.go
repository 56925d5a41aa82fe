package sync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	cbg "github.com/whyrusleeping/cbor-gen"

	"corechain/internal/chain"
)

// ParsePeerAddrInfo parses a full multiaddr of the form
// "/ip4/.../tcp/.../p2p/<peer id>" into a peer.AddrInfo suitable for
// NewChainExchangeFetcher's peer list.
func ParsePeerAddrInfo(addr string) (peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("sync: invalid multiaddr %q: %w", addr, err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("sync: parsing peer info from %q: %w", addr, err)
	}
	return *ai, nil
}

// chainExchangeProtocol is the stream protocol ID ChainExchange peers
// speak: request a CBOR [head []Cid, length uint64, options uint64]
// tuple, get back a CBOR array of encoded BlockHeaders.
const chainExchangeProtocol = "/fil/chain/xchg/0.0.1"

// ChainExchangeFetcher is a BlockFetcher backed by a real libp2p stream
// protocol: it dials a fixed peer set in order and asks each in turn for
// the headers it needs, falling through to the next peer on failure.
// This is the peer-protocol wiring BlockFetcher's doc comment refers to.
type ChainExchangeFetcher struct {
	host    host.Host
	peers   []peer.AddrInfo
	timeout time.Duration
}

// NewChainExchangeFetcher wraps an already-constructed libp2p host and a
// static peer list. h is expected to be long-lived for the process;
// callers own its Close.
func NewChainExchangeFetcher(h host.Host, peers []peer.AddrInfo) *ChainExchangeFetcher {
	return &ChainExchangeFetcher{host: h, peers: peers, timeout: 10 * time.Second}
}

// FetchHeaders asks each configured peer in turn for cids; the first
// peer to answer wins.
func (f *ChainExchangeFetcher) FetchHeaders(ctx context.Context, cids []cid.Cid) ([]*chain.BlockHeader, error) {
	var lastErr error
	for _, p := range f.peers {
		headers, err := f.fetchFromPeer(ctx, p, cids)
		if err == nil {
			return headers, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("sync: no peers configured")
	}
	return nil, fmt.Errorf("sync: chain exchange: %w", lastErr)
}

func (f *ChainExchangeFetcher) fetchFromPeer(ctx context.Context, p peer.AddrInfo, cids []cid.Cid) ([]*chain.BlockHeader, error) {
	connectCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.host.Connect(connectCtx, p); err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.ID, err)
	}

	streamCtx, streamCancel := context.WithTimeout(ctx, f.timeout)
	defer streamCancel()
	s, err := f.host.NewStream(streamCtx, p.ID, chainExchangeProtocol)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s: %w", p.ID, err)
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := writeExchangeRequest(s, cids, uint64(len(cids)), 1); err != nil {
		return nil, fmt.Errorf("write request to %s: %w", p.ID, err)
	}
	if err := s.CloseWrite(); err != nil {
		return nil, fmt.Errorf("close write to %s: %w", p.ID, err)
	}

	headers, err := readExchangeResponse(bufio.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", p.ID, err)
	}
	return headers, nil
}

// writeExchangeRequest encodes the [head []Cid, length uint64, options
// uint64] tuple exchange_client.go's buildExchangeRequest produces.
func writeExchangeRequest(w io.Writer, head []cid.Cid, length uint64, options uint64) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 3); err != nil {
		return err
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(len(head))); err != nil {
		return err
	}
	for _, c := range head {
		if err := writeExchangeCid(w, c); err != nil {
			return err
		}
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, length); err != nil {
		return err
	}
	return cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, options)
}

func writeExchangeCid(w io.Writer, c cid.Cid) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTag, 42); err != nil {
		return err
	}
	raw := c.Bytes()
	tagged := make([]byte, len(raw)+1)
	copy(tagged[1:], raw)
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(tagged))); err != nil {
		return err
	}
	_, err := w.Write(tagged)
	return err
}

// exchangeByteReader is the minimal surface the decode helpers below
// need, mirroring internal/chain/cbor.go's own hand-rolled CBOR reader
// rather than assuming a particular cbor-gen reader helper signature.
type exchangeByteReader interface {
	io.Reader
	io.ByteReader
}

func readExchangeHeader(br exchangeByteReader) (major byte, val uint64, err error) {
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
		return 0, 0, fmt.Errorf("sync: indefinite-length CBOR items are not supported")
	}
}

func readExchangeUint(br exchangeByteReader) (uint64, error) {
	major, v, err := readExchangeHeader(br)
	if err != nil {
		return 0, err
	}
	if major != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("sync: expected unsigned int, got major type %d", major)
	}
	return v, nil
}

func readExchangeBytes(br exchangeByteReader) ([]byte, error) {
	major, n, err := readExchangeHeader(br)
	if err != nil {
		return nil, err
	}
	if major != cbg.MajByteString {
		return nil, fmt.Errorf("sync: expected byte string, got major type %d", major)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readExchangeArrayHeader(br exchangeByteReader) (int, error) {
	major, n, err := readExchangeHeader(br)
	if err != nil {
		return 0, err
	}
	if major != cbg.MajArray {
		return 0, fmt.Errorf("sync: expected array, got major type %d", major)
	}
	return int(n), nil
}

func readExchangeCid(br exchangeByteReader) (cid.Cid, error) {
	major, tag, err := readExchangeHeader(br)
	if err != nil {
		return cid.Undef, err
	}
	if major != cbg.MajTag || tag != 42 {
		return cid.Undef, fmt.Errorf("sync: expected CID tag 42, got major %d tag %d", major, tag)
	}
	tagged, err := readExchangeBytes(br)
	if err != nil {
		return cid.Undef, err
	}
	if len(tagged) < 1 {
		return cid.Undef, fmt.Errorf("sync: empty tagged cid")
	}
	return cid.Cast(tagged[1:])
}

// readExchangeResponse decodes a CBOR array of BlockHeaders, each
// encoded with BlockHeader.MarshalCBOR's own fixed-tuple layout.
func readExchangeResponse(br *bufio.Reader) ([]*chain.BlockHeader, error) {
	n, err := readExchangeArrayHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading response array header: %w", err)
	}
	out := make([]*chain.BlockHeader, n)
	for i := range out {
		h := new(chain.BlockHeader)
		if err := h.UnmarshalCBOR(br); err != nil {
			return nil, fmt.Errorf("decoding header %d: %w", i, err)
		}
		out[i] = h
	}
	return out, nil
}

// ChainExchangeServer answers ChainExchange requests out of a local
// header source, the server half of the same protocol FetchHeaders
// speaks. It lets a corechain node serve headers to peers instead of
// only ever consuming them.
type ChainExchangeServer struct {
	headers BlockFetcher
}

// NewChainExchangeServer builds a server answering requests by looking
// headers up through headers (typically a ChainStore-backed adapter).
func NewChainExchangeServer(headers BlockFetcher) *ChainExchangeServer {
	return &ChainExchangeServer{headers: headers}
}

// Register mounts the ChainExchange handler on h.
func (s *ChainExchangeServer) Register(h host.Host) {
	h.SetStreamHandler(chainExchangeProtocol, s.handleStream)
}

func (s *ChainExchangeServer) handleStream(st network.Stream) {
	defer st.Close()
	br := bufio.NewReader(st)
	head, _, _, err := readExchangeRequest(br)
	if err != nil {
		return
	}
	headers, err := s.headers.FetchHeaders(context.Background(), head)
	if err != nil {
		return
	}
	_ = writeExchangeResponse(st, headers)
}

func readExchangeRequest(br exchangeByteReader) (head []cid.Cid, length uint64, options uint64, err error) {
	n, err := readExchangeArrayHeader(br)
	if err != nil || n != 3 {
		return nil, 0, 0, fmt.Errorf("sync: malformed chain exchange request")
	}
	count, err := readExchangeArrayHeader(br)
	if err != nil {
		return nil, 0, 0, err
	}
	head = make([]cid.Cid, count)
	for i := range head {
		c, err := readExchangeCid(br)
		if err != nil {
			return nil, 0, 0, err
		}
		head[i] = c
	}
	length, err = readExchangeUint(br)
	if err != nil {
		return nil, 0, 0, err
	}
	options, err = readExchangeUint(br)
	if err != nil {
		return nil, 0, 0, err
	}
	return head, length, options, nil
}

func writeExchangeResponse(w io.Writer, headers []*chain.BlockHeader) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(len(headers))); err != nil {
		return err
	}
	for _, h := range headers {
		if err := h.MarshalCBOR(w); err != nil {
			return err
		}
	}
	return nil
}
