package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"corechain/internal/chain"
)

// BlockFetcher resolves block header CIDs against the peer set. The peer
// protocol itself (fetch_headers/fetch_messages, a gossip channel of
// candidate heads) is consumed, not defined, by the sync state machine;
// discovery/gossip transport internals are out of scope here. Concrete
// peer-protocol wiring (the ChainExchange request shape: a CBOR
// [head []Cid, length uint64, options uint64] tuple over a dedicated
// stream protocol) is ChainExchangeFetcher in libp2p_fetcher.go, which
// implements this interface.
type BlockFetcher interface {
	// FetchHeaders resolves a batch of block CIDs to decoded headers. A
	// batch may span one or more tipsets; the syncer groups results back
	// into tipsets itself.
	FetchHeaders(ctx context.Context, cids []cid.Cid) ([]*chain.BlockHeader, error)
}

// MessageFetcher pulls the message DAG rooted at a block's messages_cid
// into local storage so the state evaluator can read it. Decoding the
// AMT of messages is the evaluator's concern, not the fetcher's.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, messagesRoot cid.Cid) error
}

// LocalFetcher answers header/message fetches purely from an in-memory
// set of already-known blocks, with no network access. It backs tests and
// any deployment where a trusted set of headers is preloaded (e.g.
// replaying an archive); HandleNewHead's per-fetch timeout still applies
// uniformly around it.
type LocalFetcher struct {
	mu      sync.Mutex
	headers map[cid.Cid]*chain.BlockHeader
}

func NewLocalFetcher() *LocalFetcher {
	return &LocalFetcher{headers: make(map[cid.Cid]*chain.BlockHeader)}
}

// Add makes a header available to future FetchHeaders calls.
func (f *LocalFetcher) Add(h *chain.BlockHeader) error {
	c, err := h.Cid()
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.headers[c] = h
	f.mu.Unlock()
	return nil
}

func (f *LocalFetcher) FetchHeaders(ctx context.Context, cids []cid.Cid) ([]*chain.BlockHeader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*chain.BlockHeader, len(cids))
	for i, c := range cids {
		h, ok := f.headers[c]
		if !ok {
			return nil, fmt.Errorf("sync: local fetcher has no header for %s", c)
		}
		out[i] = h
	}
	return out, nil
}

// FetchMessages is a no-op: LocalFetcher only ever serves preloaded
// headers for tests that stub message validation/evaluation separately.
func (f *LocalFetcher) FetchMessages(ctx context.Context, messagesRoot cid.Cid) error {
	return nil
}
