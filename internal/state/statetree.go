package state

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/filecoin-project/go-address"
	hamt "github.com/filecoin-project/go-hamt-ipld/v3"
	stbig "github.com/filecoin-project/go-state-types/big"
	cborstore "github.com/ipfs/go-ipld-cbor"
	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
)

// hamtBitWidth matches lotus's actor-tree HAMT configuration; changing it
// changes every state root this evaluator produces.
const hamtBitWidth = 5

const actorStateFieldCount = 4

// ActorState is the per-actor record the tree maps an address to: the
// actor's code, the CID of its own private state, its call nonce, and its
// balance.
type ActorState struct {
	Code    cid.Cid
	Head    cid.Cid
	Nonce   uint64
	Balance stbig.Int
}

func (a *ActorState) MarshalCBOR(w io.Writer) error {
	if a == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, actorStateFieldCount); err != nil {
		return err
	}
	if err := writeCid(w, a.Code); err != nil {
		return err
	}
	if err := writeCid(w, a.Head); err != nil {
		return err
	}
	if err := writeUint(w, a.Nonce); err != nil {
		return err
	}
	return a.Balance.MarshalCBOR(w)
}

func (a *ActorState) UnmarshalCBOR(r io.Reader) error {
	br := newCborReader(r)
	if err := readArrayHeader(br, actorStateFieldCount); err != nil {
		return err
	}
	var err error
	if a.Code, err = readCid(br); err != nil {
		return fmt.Errorf("unmarshaling Code: %w", err)
	}
	if a.Head, err = readCid(br); err != nil {
		return fmt.Errorf("unmarshaling Head: %w", err)
	}
	if a.Nonce, err = readUint(br); err != nil {
		return err
	}
	return a.Balance.UnmarshalCBOR(br)
}

// Tree wraps a go-hamt-ipld/v3 node keyed by actor address: the
// authenticated map a state root names. Every mutation is in memory
// until Flush persists the node and returns its new root CID.
type Tree struct {
	cst  *cborstore.BasicIpldStore
	node *hamt.Node
}

// LoadTree opens the actor tree rooted at root. An undefined root (the
// zero cid.Cid) starts a brand new, empty tree instead of loading one —
// used once, at genesis.
func LoadTree(ctx context.Context, bs blockstore.Blockstore, root cid.Cid) (*Tree, error) {
	cst := cborstore.NewCborStore(bs)
	if root == cid.Undef {
		node, err := hamt.NewNode(cst, hamt.UseTreeBitWidth(hamtBitWidth))
		if err != nil {
			return nil, fmt.Errorf("state: creating empty actor tree: %w", err)
		}
		return &Tree{cst: cst, node: node}, nil
	}
	node, err := hamt.LoadNode(ctx, cst, root, hamt.UseTreeBitWidth(hamtBitWidth))
	if err != nil {
		return nil, fmt.Errorf("state: loading actor tree %s: %w", root, err)
	}
	return &Tree{cst: cst, node: node}, nil
}

func actorKey(addr address.Address) string {
	return string(addr.Bytes())
}

// GetActor looks up an actor by address. The second return is false if no
// actor is registered at addr.
func (t *Tree) GetActor(ctx context.Context, addr address.Address) (*ActorState, bool, error) {
	var st ActorState
	found, err := t.node.Find(ctx, actorKey(addr), &st)
	if err != nil {
		return nil, false, fmt.Errorf("state: looking up actor %s: %w", addr, err)
	}
	if !found {
		return nil, false, nil
	}
	return &st, true, nil
}

// SetActor writes (or overwrites) the actor record at addr.
func (t *Tree) SetActor(ctx context.Context, addr address.Address, st *ActorState) error {
	if err := t.node.Set(ctx, actorKey(addr), st); err != nil {
		return fmt.Errorf("state: writing actor %s: %w", addr, err)
	}
	return nil
}

// Flush persists every pending mutation and returns the tree's new root
// CID. Two trees built from the same sequence of SetActor calls, in the
// same order, always flush to the same CID: the evaluator's determinism
// guarantee rests directly on the HAMT's own byte-identical encoding.
func (t *Tree) Flush(ctx context.Context) (cid.Cid, error) {
	c, err := t.node.Flush(ctx)
	if err != nil {
		return cid.Undef, fmt.Errorf("state: flushing actor tree: %w", err)
	}
	return c, nil
}

// decodeParams reads a method's CBOR-encoded argument into a
// caller-supplied value; empty params leave the value untouched. Nothing
// in this package calls it.
func decodeParams(params []byte, into interface {
	UnmarshalCBOR(io.Reader) error
}) error {
	if len(params) == 0 {
		return nil
	}
	return into.UnmarshalCBOR(bytes.NewReader(params))
}
