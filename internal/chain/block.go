// Package chain implements the tipset and block header model: the pure,
// append-only data layer every other chain component (the store, the
// syncer, the state evaluator) builds on. Nothing here touches a
// blockstore or the network; it is the shape of the data and the rules
// for ordering and validating it.
package chain

import (
	"bytes"
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Ticket is the VRF output a miner used to win an election for a round.
type Ticket struct {
	VRFProof []byte
}

func (t *Ticket) MarshalCBOR(w io.Writer) error {
	if t == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, 1); err != nil {
		return err
	}
	return writeBytes(w, t.VRFProof)
}

func (t *Ticket) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, 1); err != nil {
		return err
	}
	proof, err := readBytes(br)
	if err != nil {
		return err
	}
	t.VRFProof = proof
	return nil
}

// ElectionProof attests that a miner won the right to produce a block at
// this round, and by how large a margin (WinCount).
type ElectionProof struct {
	WinCount int64
	VRFProof []byte
}

func (e *ElectionProof) MarshalCBOR(w io.Writer) error {
	if e == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, 2); err != nil {
		return err
	}
	if err := writeInt(w, e.WinCount); err != nil {
		return err
	}
	return writeBytes(w, e.VRFProof)
}

func (e *ElectionProof) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, 2); err != nil {
		return err
	}
	wc, err := readInt(br)
	if err != nil {
		return err
	}
	proof, err := readBytes(br)
	if err != nil {
		return err
	}
	e.WinCount = wc
	e.VRFProof = proof
	return nil
}

// BeaconEntry is one randomness round published by the drand beacon
// network that a block's header references.
type BeaconEntry struct {
	Round uint64
	Data  []byte
}

func (b *BeaconEntry) MarshalCBOR(w io.Writer) error {
	if err := writeArrayHeader(w, 2); err != nil {
		return err
	}
	if err := writeUint(w, b.Round); err != nil {
		return err
	}
	return writeBytes(w, b.Data)
}

func (b *BeaconEntry) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, 2); err != nil {
		return err
	}
	round, err := readUint(br)
	if err != nil {
		return err
	}
	data, err := readBytes(br)
	if err != nil {
		return err
	}
	b.Round = round
	b.Data = data
	return nil
}

// PoStProof is one Proof-of-Spacetime proof backing a block's winning
// election. The registered proof type is carried as a plain int64; we
// never interpret it, only round-trip it.
type PoStProof struct {
	PoStProof  int64
	ProofBytes []byte
}

func (p *PoStProof) MarshalCBOR(w io.Writer) error {
	if err := writeArrayHeader(w, 2); err != nil {
		return err
	}
	if err := writeInt(w, p.PoStProof); err != nil {
		return err
	}
	return writeBytes(w, p.ProofBytes)
}

func (p *PoStProof) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, 2); err != nil {
		return err
	}
	rpp, err := readInt(br)
	if err != nil {
		return err
	}
	proof, err := readBytes(br)
	if err != nil {
		return err
	}
	p.PoStProof = rpp
	p.ProofBytes = proof
	return nil
}

const blockHeaderFieldCount = 16

// BlockHeader is the unit a miner produces once per round it wins: all
// the data needed to validate one state transition, minus the messages
// and receipts themselves (those are referenced by CID). Field order is
// fixed by the wire format below and must never change.
type BlockHeader struct {
	Miner                 address.Address
	Ticket                *Ticket
	ElectionProof         *ElectionProof
	BeaconEntries         []BeaconEntry
	WinPoStProof          []PoStProof
	Parents               []cid.Cid
	ParentWeight          stbig.Int
	Height                abi.ChainEpoch
	ParentStateRoot       cid.Cid
	ParentMessageReceipts cid.Cid
	Messages              cid.Cid
	BLSAggregate          *crypto.Signature
	Timestamp             uint64
	BlockSig              *crypto.Signature
	ForkSignaling         uint64
	ParentBaseFee         stbig.Int

	cachedCid   cid.Cid
	cachedBytes []byte
}

// MarshalCBOR writes the header as the fixed 16-element CBOR tuple every
// implementation on the network agrees on.
func (b *BlockHeader) MarshalCBOR(w io.Writer) error {
	if b == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, blockHeaderFieldCount); err != nil {
		return err
	}
	if err := b.Miner.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling Miner: %w", err)
	}
	if err := b.Ticket.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling Ticket: %w", err)
	}
	if err := b.ElectionProof.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling ElectionProof: %w", err)
	}
	if b.BeaconEntries == nil {
		if err := writeNull(w); err != nil {
			return err
		}
	} else {
		if err := writeArrayHeader(w, len(b.BeaconEntries)); err != nil {
			return err
		}
		for i := range b.BeaconEntries {
			if err := b.BeaconEntries[i].MarshalCBOR(w); err != nil {
				return fmt.Errorf("marshaling BeaconEntries[%d]: %w", i, err)
			}
		}
	}
	if err := writeArrayHeader(w, len(b.WinPoStProof)); err != nil {
		return err
	}
	for i := range b.WinPoStProof {
		if err := b.WinPoStProof[i].MarshalCBOR(w); err != nil {
			return fmt.Errorf("marshaling WinPoStProof[%d]: %w", i, err)
		}
	}
	if b.Parents == nil {
		if err := writeNull(w); err != nil {
			return err
		}
	} else {
		if err := writeArrayHeader(w, len(b.Parents)); err != nil {
			return err
		}
		for _, p := range b.Parents {
			if err := writeCid(w, p); err != nil {
				return err
			}
		}
	}
	if err := b.ParentWeight.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling ParentWeight: %w", err)
	}
	if err := writeInt(w, int64(b.Height)); err != nil {
		return err
	}
	if err := writeCid(w, b.ParentStateRoot); err != nil {
		return err
	}
	if err := writeCid(w, b.ParentMessageReceipts); err != nil {
		return err
	}
	if err := writeCid(w, b.Messages); err != nil {
		return err
	}
	if b.BLSAggregate == nil {
		if err := writeNull(w); err != nil {
			return err
		}
	} else if err := b.BLSAggregate.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling BLSAggregate: %w", err)
	}
	if err := writeUint(w, b.Timestamp); err != nil {
		return err
	}
	if b.BlockSig == nil {
		if err := writeNull(w); err != nil {
			return err
		}
	} else if err := b.BlockSig.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling BlockSig: %w", err)
	}
	if err := writeUint(w, b.ForkSignaling); err != nil {
		return err
	}
	return b.ParentBaseFee.MarshalCBOR(w)
}

// UnmarshalCBOR reads a header written by MarshalCBOR. Unknown extra
// tuple elements are rejected rather than ignored: a length mismatch
// almost always means the two sides disagree on the wire format.
func (b *BlockHeader) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, blockHeaderFieldCount); err != nil {
		return err
	}

	if err := b.Miner.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling Miner: %w", err)
	}

	isNull, err := peekNull(br)
	if err != nil {
		return err
	}
	if !isNull {
		b.Ticket = new(Ticket)
		if err := b.Ticket.UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling Ticket: %w", err)
		}
	}

	if isNull, err = peekNull(br); err != nil {
		return err
	} else if !isNull {
		b.ElectionProof = new(ElectionProof)
		if err := b.ElectionProof.UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling ElectionProof: %w", err)
		}
	}

	if isNull, err = peekNull(br); err != nil {
		return err
	} else if !isNull {
		n, err := readArrayHeaderAny(br)
		if err != nil {
			return err
		}
		b.BeaconEntries = make([]BeaconEntry, n)
		for i := 0; i < n; i++ {
			if err := b.BeaconEntries[i].UnmarshalCBOR(br); err != nil {
				return fmt.Errorf("unmarshaling BeaconEntries[%d]: %w", i, err)
			}
		}
	}

	n, err := readArrayHeaderAny(br)
	if err != nil {
		return err
	}
	b.WinPoStProof = make([]PoStProof, n)
	for i := 0; i < n; i++ {
		if err := b.WinPoStProof[i].UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling WinPoStProof[%d]: %w", i, err)
		}
	}

	if isNull, err = peekNull(br); err != nil {
		return err
	} else if !isNull {
		n, err := readArrayHeaderAny(br)
		if err != nil {
			return err
		}
		b.Parents = make([]cid.Cid, n)
		for i := 0; i < n; i++ {
			if b.Parents[i], err = readCid(br); err != nil {
				return fmt.Errorf("unmarshaling Parents[%d]: %w", i, err)
			}
		}
	}

	if err := b.ParentWeight.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling ParentWeight: %w", err)
	}
	height, err := readInt(br)
	if err != nil {
		return err
	}
	b.Height = abi.ChainEpoch(height)

	if b.ParentStateRoot, err = readCid(br); err != nil {
		return fmt.Errorf("unmarshaling ParentStateRoot: %w", err)
	}
	if b.ParentMessageReceipts, err = readCid(br); err != nil {
		return fmt.Errorf("unmarshaling ParentMessageReceipts: %w", err)
	}
	if b.Messages, err = readCid(br); err != nil {
		return fmt.Errorf("unmarshaling Messages: %w", err)
	}

	if isNull, err = peekNull(br); err != nil {
		return err
	} else if !isNull {
		b.BLSAggregate = new(crypto.Signature)
		if err := b.BLSAggregate.UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling BLSAggregate: %w", err)
		}
	}

	if b.Timestamp, err = readUint(br); err != nil {
		return err
	}

	if isNull, err = peekNull(br); err != nil {
		return err
	} else if !isNull {
		b.BlockSig = new(crypto.Signature)
		if err := b.BlockSig.UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling BlockSig: %w", err)
		}
	}

	if b.ForkSignaling, err = readUint(br); err != nil {
		return err
	}
	if err := b.ParentBaseFee.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling ParentBaseFee: %w", err)
	}
	return nil
}

// bytes returns the canonical CBOR encoding, computing and caching it on
// first use.
func (b *BlockHeader) bytes() ([]byte, error) {
	if b.cachedBytes != nil {
		return b.cachedBytes, nil
	}
	var buf bytes.Buffer
	if err := b.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	b.cachedBytes = buf.Bytes()
	return b.cachedBytes, nil
}

// Cid returns the block's content identifier, a BLAKE2b-256 digest of its
// canonical CBOR encoding. It is computed once and cached.
func (b *BlockHeader) Cid() (cid.Cid, error) {
	if b.cachedCid != cid.Undef {
		return b.cachedCid, nil
	}
	data, err := b.bytes()
	if err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Sum(data, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	b.cachedCid = cid.NewCidV1(cid.DagCBOR, mh)
	return b.cachedCid, nil
}

// ToStoredBlock wraps the header for storage in a Blockstore.
func (b *BlockHeader) ToStoredBlock() (blocks.Block, error) {
	data, err := b.bytes()
	if err != nil {
		return nil, err
	}
	c, err := b.Cid()
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(data, c)
}

// DecodeBlockHeader decodes raw CBOR bytes produced by MarshalCBOR.
func DecodeBlockHeader(data []byte) (*BlockHeader, error) {
	var h BlockHeader
	if err := h.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	h.cachedBytes = append([]byte(nil), data...)
	return &h, nil
}

// Equals compares two headers by CID, which is how content-addressed
// equality always works in this system.
func (b *BlockHeader) Equals(other *BlockHeader) bool {
	if b == nil || other == nil {
		return b == other
	}
	bc, err := b.Cid()
	if err != nil {
		return false
	}
	oc, err := other.Cid()
	if err != nil {
		return false
	}
	return bc.Equals(oc)
}

// SignatureData returns the bytes a miner's worker key signs: the header
// with BlockSig stripped.
func (b *BlockHeader) SignatureData() ([]byte, error) {
	tmp := *b
	tmp.BlockSig = nil
	tmp.cachedBytes = nil
	tmp.cachedCid = cid.Undef
	return tmp.bytes()
}
