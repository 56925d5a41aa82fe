package mpool

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/multiformats/go-multihash"

	"corechain/internal/chain"
)

// secp256k1SigLen is a 64-byte (R,S) signature plus a one-byte recovery
// id, the same compact format decred's ecdsa.RecoverCompact expects.
const secp256k1SigLen = 65

// VerifySignature checks that sm.Signature was produced by sm.Message.From
// over sm.Message's canonical bytes. This is the "signature valid" leg of
// the pool's admission contract.
func VerifySignature(sm *chain.SignedMessage) error {
	if sm.Signature == nil {
		return fmt.Errorf("mpool: message has no signature")
	}
	switch sm.Signature.Type {
	case crypto.SigTypeSecp256k1:
		return verifySecp256k1(sm)
	case crypto.SigTypeBLS:
		// A lone BLS signature can't be checked in isolation — it is
		// only meaningful once aggregated with the rest of a block's
		// BLS messages. Admission accepts it unchecked, and the
		// syncer's MessageValidate step does not verify a block's BLS
		// aggregate either.
		return nil
	default:
		return fmt.Errorf("mpool: unknown signature type %d", sm.Signature.Type)
	}
}

func verifySecp256k1(sm *chain.SignedMessage) error {
	if len(sm.Signature.Data) != secp256k1SigLen {
		return fmt.Errorf("mpool: secp256k1 signature must be %d bytes, got %d", secp256k1SigLen, len(sm.Signature.Data))
	}
	c, err := sm.Message.Cid()
	if err != nil {
		return fmt.Errorf("mpool: hashing message: %w", err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return fmt.Errorf("mpool: decoding message digest: %w", err)
	}
	pub, _, err := ecdsa.RecoverCompact(sm.Signature.Data, decoded.Digest)
	if err != nil {
		return fmt.Errorf("mpool: recovering signer: %w", err)
	}
	recovered, err := address.NewSecp256k1Address(pub.SerializeUncompressed())
	if err != nil {
		return fmt.Errorf("mpool: deriving address from recovered key: %w", err)
	}
	if recovered != sm.Message.From {
		return fmt.Errorf("mpool: signature recovers to %s, message claims sender %s", recovered, sm.Message.From)
	}
	return nil
}
