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

const messageFieldCount = 10

// Message is one on-chain call: a value transfer, an actor method
// invocation, or both at once. It carries no signature of its own; that
// lives one layer up in SignedMessage.
type Message struct {
	Version    int64
	To         address.Address
	From       address.Address
	Nonce      uint64
	Value      stbig.Int
	GasLimit   int64
	GasFeeCap  stbig.Int
	GasPremium stbig.Int
	Method     abi.MethodNum
	Params     []byte

	cachedCid   cid.Cid
	cachedBytes []byte
}

func (m *Message) MarshalCBOR(w io.Writer) error {
	if m == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, messageFieldCount); err != nil {
		return err
	}
	if err := writeInt(w, m.Version); err != nil {
		return err
	}
	if err := m.To.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling To: %w", err)
	}
	if err := m.From.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling From: %w", err)
	}
	if err := writeUint(w, m.Nonce); err != nil {
		return err
	}
	if err := m.Value.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling Value: %w", err)
	}
	if err := writeInt(w, m.GasLimit); err != nil {
		return err
	}
	if err := m.GasFeeCap.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling GasFeeCap: %w", err)
	}
	if err := m.GasPremium.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling GasPremium: %w", err)
	}
	if err := writeUint(w, uint64(m.Method)); err != nil {
		return err
	}
	return writeBytes(w, m.Params)
}

func (m *Message) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, messageFieldCount); err != nil {
		return err
	}
	version, err := readInt(br)
	if err != nil {
		return err
	}
	m.Version = version
	if err := m.To.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling To: %w", err)
	}
	if err := m.From.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling From: %w", err)
	}
	if m.Nonce, err = readUint(br); err != nil {
		return err
	}
	if err := m.Value.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling Value: %w", err)
	}
	gasLimit, err := readInt(br)
	if err != nil {
		return err
	}
	m.GasLimit = gasLimit
	if err := m.GasFeeCap.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling GasFeeCap: %w", err)
	}
	if err := m.GasPremium.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling GasPremium: %w", err)
	}
	method, err := readUint(br)
	if err != nil {
		return err
	}
	m.Method = abi.MethodNum(method)
	params, err := readBytes(br)
	if err != nil {
		return err
	}
	m.Params = params
	return nil
}

func (m *Message) bytes() ([]byte, error) {
	if m.cachedBytes != nil {
		return m.cachedBytes, nil
	}
	var buf bytes.Buffer
	if err := m.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	m.cachedBytes = buf.Bytes()
	return m.cachedBytes, nil
}

// Cid is the BLAKE2b-256 digest of the message's canonical CBOR encoding,
// the same construction every content-addressed object in this system
// uses.
func (m *Message) Cid() (cid.Cid, error) {
	if m.cachedCid != cid.Undef {
		return m.cachedCid, nil
	}
	data, err := m.bytes()
	if err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Sum(data, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	m.cachedCid = cid.NewCidV1(cid.DagCBOR, mh)
	return m.cachedCid, nil
}

// RequiredFunds is the maximum amount this message could debit from its
// sender's balance: the gas deposit at GasFeeCap, plus the value sent.
func (m *Message) RequiredFunds() stbig.Int {
	gasCost := stbig.Mul(stbig.NewInt(m.GasLimit), m.GasFeeCap)
	return stbig.Add(gasCost, m.Value)
}

// DecodeMessage decodes raw CBOR bytes produced by MarshalCBOR.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := m.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	m.cachedBytes = append([]byte(nil), data...)
	return &m, nil
}

// SignedMessage pairs a Message with the signature of its From address
// over the message's canonical bytes; this is what a block's messages_cid
// actually points to.
type SignedMessage struct {
	Message   Message
	Signature *crypto.Signature
}

func (sm *SignedMessage) MarshalCBOR(w io.Writer) error {
	if sm == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, 2); err != nil {
		return err
	}
	if err := sm.Message.MarshalCBOR(w); err != nil {
		return fmt.Errorf("marshaling Message: %w", err)
	}
	if sm.Signature == nil {
		return writeNull(w)
	}
	return sm.Signature.MarshalCBOR(w)
}

func (sm *SignedMessage) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, 2); err != nil {
		return err
	}
	if err := sm.Message.UnmarshalCBOR(br); err != nil {
		return fmt.Errorf("unmarshaling Message: %w", err)
	}
	isNull, err := peekNull(br)
	if err != nil {
		return err
	}
	if !isNull {
		sm.Signature = new(crypto.Signature)
		if err := sm.Signature.UnmarshalCBOR(br); err != nil {
			return fmt.Errorf("unmarshaling Signature: %w", err)
		}
	}
	return nil
}

// Cid is the BLAKE2b-256 digest of the signed message's canonical CBOR
// encoding — distinct from the unsigned Message's own Cid, since BLS
// messages are addressed by the unsigned form but secp256k1 messages are
// addressed by the signed form once aggregated into a block.
func (sm *SignedMessage) Cid() (cid.Cid, error) {
	var buf bytes.Buffer
	if err := sm.MarshalCBOR(&buf); err != nil {
		return cid.Undef, err
	}
	mh, err := multihash.Sum(buf.Bytes(), multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// ToStoredBlock wraps the signed message for storage in a Blockstore.
func (sm *SignedMessage) ToStoredBlock() (blocks.Block, error) {
	var buf bytes.Buffer
	if err := sm.MarshalCBOR(&buf); err != nil {
		return nil, err
	}
	c, err := sm.Cid()
	if err != nil {
		return nil, err
	}
	return blocks.NewBlockWithCid(buf.Bytes(), c)
}

// DecodeSignedMessage decodes raw CBOR bytes produced by
// SignedMessage.MarshalCBOR.
func DecodeSignedMessage(data []byte) (*SignedMessage, error) {
	var sm SignedMessage
	if err := sm.UnmarshalCBOR(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &sm, nil
}
