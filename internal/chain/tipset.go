package chain

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
)

// MaxBlocksPerTipSet bounds how many blocks a single round may legally
// contain; a candidate with more is rejected outright rather than
// truncated.
const MaxBlocksPerTipSet = 15

// TipSetKey is the ordered set of CIDs of a tipset's blocks, canonically
// sorted by byTicketThenCID. Two tipsets with the same blocks always
// produce the same key regardless of the order headers arrived in.
type TipSetKey struct {
	cids []cid.Cid
}

// NewTipSetKey builds a key from already-ordered CIDs, copying the slice
// so the caller's backing array can't mutate it afterward.
func NewTipSetKey(cids []cid.Cid) TipSetKey {
	cp := make([]cid.Cid, len(cids))
	copy(cp, cids)
	return TipSetKey{cids: cp}
}

func (k TipSetKey) Cids() []cid.Cid {
	cp := make([]cid.Cid, len(k.cids))
	copy(cp, k.cids)
	return cp
}

func (k TipSetKey) Equals(other TipSetKey) bool {
	if len(k.cids) != len(other.cids) {
		return false
	}
	for i := range k.cids {
		if !k.cids[i].Equals(other.cids[i]) {
			return false
		}
	}
	return true
}

func (k TipSetKey) String() string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range k.cids {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(c.String())
	}
	buf.WriteByte('}')
	return buf.String()
}

// byTicketThenCID is the canonical block ordering within a tipset:
// ascending ticket digest, with a lexicographic CID comparison as
// tie-break when two blocks share a ticket digest. This is an explicit
// design decision where the upstream source leaves the degenerate case
// (identical tickets) undocumented; see DESIGN.md.
func byTicketThenCID(blocks []*BlockHeader) ([]*BlockHeader, error) {
	type entry struct {
		header *BlockHeader
		ticket []byte
		cid    cid.Cid
	}
	entries := make([]entry, len(blocks))
	for i, b := range blocks {
		c, err := b.Cid()
		if err != nil {
			return nil, fmt.Errorf("computing cid for tipset ordering: %w", err)
		}
		var ticket []byte
		if b.Ticket != nil {
			ticket = b.Ticket.VRFProof
		}
		entries[i] = entry{header: b, ticket: ticket, cid: c}
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].ticket, entries[j].ticket); c != 0 {
			return c < 0
		}
		return bytes.Compare(entries[i].cid.Bytes(), entries[j].cid.Bytes()) < 0
	})
	ordered := make([]*BlockHeader, len(entries))
	for i, e := range entries {
		ordered[i] = e.header
	}
	return ordered, nil
}

// TipSet is the set of blocks mined for one round: they share height,
// parents, parent state root, parent weight and parent base fee, and are
// held in the network's canonical order.
type TipSet struct {
	blocks []*BlockHeader
	key    TipSetKey
}

// NewTipSet validates and orders a set of block headers into a TipSet.
// All the invariants the chain store relies on for head comparisons are
// enforced here, once, rather than re-checked by every caller.
func NewTipSet(blocks []*BlockHeader) (*TipSet, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("chain: a tipset needs at least one block")
	}
	if len(blocks) > MaxBlocksPerTipSet {
		return nil, fmt.Errorf("chain: tipset has %d blocks, exceeds max %d", len(blocks), MaxBlocksPerTipSet)
	}

	first := blocks[0]
	for i, b := range blocks[1:] {
		if b.Height != first.Height {
			return nil, fmt.Errorf("chain: block %d height %d disagrees with block 0 height %d", i+1, b.Height, first.Height)
		}
		if !parentsEqual(b.Parents, first.Parents) {
			return nil, fmt.Errorf("chain: block %d parents disagree with block 0", i+1)
		}
		if !b.ParentStateRoot.Equals(first.ParentStateRoot) {
			return nil, fmt.Errorf("chain: block %d parent state root disagrees with block 0", i+1)
		}
		if !b.ParentMessageReceipts.Equals(first.ParentMessageReceipts) {
			return nil, fmt.Errorf("chain: block %d parent message receipts disagree with block 0", i+1)
		}
		if stbig.Cmp(b.ParentWeight, first.ParentWeight) != 0 {
			return nil, fmt.Errorf("chain: block %d parent weight disagrees with block 0", i+1)
		}
		if stbig.Cmp(b.ParentBaseFee, first.ParentBaseFee) != 0 {
			return nil, fmt.Errorf("chain: block %d parent base fee disagrees with block 0", i+1)
		}
	}

	ordered, err := byTicketThenCID(blocks)
	if err != nil {
		return nil, err
	}
	cids := make([]cid.Cid, len(ordered))
	for i, b := range ordered {
		c, err := b.Cid()
		if err != nil {
			return nil, err
		}
		cids[i] = c
	}
	return &TipSet{blocks: ordered, key: NewTipSetKey(cids)}, nil
}

func parentsEqual(a, b []cid.Cid) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

// Key returns the tipset's canonical identity.
func (ts *TipSet) Key() TipSetKey { return ts.key }

// Blocks returns the tipset's blocks in canonical order. The caller must
// not mutate the returned slice's elements.
func (ts *TipSet) Blocks() []*BlockHeader {
	cp := make([]*BlockHeader, len(ts.blocks))
	copy(cp, ts.blocks)
	return cp
}

// Height is the chain height shared by every block in the tipset.
func (ts *TipSet) Height() abi.ChainEpoch { return ts.blocks[0].Height }

// Parents is the parent tipset key shared by every block in the tipset.
func (ts *TipSet) Parents() TipSetKey { return NewTipSetKey(ts.blocks[0].Parents) }

// ParentWeight is the aggregate chain weight of the parent tipset.
func (ts *TipSet) ParentWeight() stbig.Int { return ts.blocks[0].ParentWeight }

// ParentBaseFee is the base fee the parent tipset established, the value
// the state evaluator burns gas against when applying this tipset's
// messages.
func (ts *TipSet) ParentBaseFee() stbig.Int { return ts.blocks[0].ParentBaseFee }

// ParentStateRoot is the state tree CID every block in the tipset was
// computed against.
func (ts *TipSet) ParentStateRoot() cid.Cid { return ts.blocks[0].ParentStateRoot }

// ParentMessageReceipts is the receipts root every block in the tipset
// shares.
func (ts *TipSet) ParentMessageReceipts() cid.Cid { return ts.blocks[0].ParentMessageReceipts }

// MinTimestamp is the earliest of the tipset's block timestamps, used as
// the effective time for downstream consumers such as the mempool's
// expiry checks.
func (ts *TipSet) MinTimestamp() uint64 {
	min := ts.blocks[0].Timestamp
	for _, b := range ts.blocks[1:] {
		if b.Timestamp < min {
			min = b.Timestamp
		}
	}
	return min
}

// MinTicketDigest is the lowest ticket VRF proof among the tipset's
// blocks, used by the sync state machine's head-weight tie-break.
func (ts *TipSet) MinTicketDigest() []byte {
	if ts.blocks[0].Ticket == nil {
		return nil
	}
	return ts.blocks[0].Ticket.VRFProof
}

// Equals compares two tipsets by key.
func (ts *TipSet) Equals(other *TipSet) bool {
	if ts == nil || other == nil {
		return ts == other
	}
	return ts.key.Equals(other.key)
}

// Heavier reports whether ts should replace cur as chain head, applying
// the commit rule from the sync state machine: strictly greater parent
// weight wins outright; on an exact tie, the tipset with the smaller
// minimum ticket digest wins, falling back to a lexicographic comparison
// of the full sorted block CID list if even that is identical.
func Heavier(candidate, cur *TipSet) bool {
	if cur == nil {
		return true
	}
	if c := stbig.Cmp(candidate.ParentWeight(), cur.ParentWeight()); c != 0 {
		return c > 0
	}
	if c := bytes.Compare(candidate.MinTicketDigest(), cur.MinTicketDigest()); c != 0 {
		return c < 0
	}
	return lessKey(candidate.key, cur.key)
}

func lessKey(a, b TipSetKey) bool {
	n := len(a.cids)
	if len(b.cids) < n {
		n = len(b.cids)
	}
	for i := 0; i < n; i++ {
		if c := bytes.Compare(a.cids[i].Bytes(), b.cids[i].Bytes()); c != 0 {
			return c < 0
		}
	}
	return len(a.cids) < len(b.cids)
}
