package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	amt "github.com/filecoin-project/go-amt-ipld/v4"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	stbig "github.com/filecoin-project/go-state-types/big"
	cborstore "github.com/ipfs/go-ipld-cbor"
	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
	"corechain/internal/chain"
	"corechain/internal/logging"
)

var log = logging.Logger("corechain/state")

// sendMethod is the protocol-level "transfer value, invoke nothing"
// method every actor responds to; it is the one piece of actor execution
// semantics the evaluator implements directly, since value transfer is
// part of the protocol rather than of any one actor's code. Every other
// method number is executed opaquely (see Evaluator.invoke) because
// actor-specific execution is outside this component's scope.
const sendMethod = abi.MethodNum(0)

const receiptFieldCount = 3

// Receipt is the outcome the evaluator records for one applied message:
// ExitCode zero means success, GasUsed is what execution actually
// consumed (always <= the message's GasLimit).
type Receipt struct {
	ExitCode int64
	Return   []byte
	GasUsed  int64
}

func (r *Receipt) MarshalCBOR(w io.Writer) error {
	if r == nil {
		return writeNull(w)
	}
	if err := writeArrayHeader(w, receiptFieldCount); err != nil {
		return err
	}
	if err := writeInt(w, r.ExitCode); err != nil {
		return err
	}
	if err := writeBytes(w, r.Return); err != nil {
		return err
	}
	return writeInt(w, r.GasUsed)
}

func (r *Receipt) UnmarshalCBOR(rd io.Reader) error {
	br := newCborReader(rd)
	if err := readArrayHeader(br, receiptFieldCount); err != nil {
		return err
	}
	var err error
	if r.ExitCode, err = readInt(br); err != nil {
		return err
	}
	if r.Return, err = readBytes(br); err != nil {
		return err
	}
	if r.GasUsed, err = readInt(br); err != nil {
		return err
	}
	return nil
}

// ExecResult is everything Apply produces from one tipset's worth of
// messages.
type ExecResult struct {
	StateRoot    cid.Cid
	ReceiptsRoot cid.Cid
	Receipts     []Receipt
	GasBurnt     stbig.Int
	GasMined     stbig.Int
}

// Evaluator applies messages to a state tree, reading and writing actor
// state through a Blockstore. It holds no mutable state of its own
// between calls: every Apply is independent and, given the same inputs,
// byte-identical in its outputs.
type Evaluator struct {
	bs blockstore.Blockstore
}

// NewEvaluator builds an Evaluator reading/writing actor state through bs.
func NewEvaluator(bs blockstore.Blockstore) *Evaluator {
	return &Evaluator{bs: bs}
}

// NetworkVersionForHeight maps a chain height to the protocol version
// whose RuleSet applies. The real mapping is a long table of upgrade
// epochs pinned to a specific network's history; consensus rules for any
// particular protocol version are out of scope here, so this is a
// minimal, monotonic stand-in good enough to exercise the rule-table
// lookup itself.
func NetworkVersionForHeight(height abi.ChainEpoch) abi.NetworkVersion {
	switch {
	case height < 100:
		return 0
	case height < 1000:
		return 7
	case height < 10000:
		return 12
	default:
		return 15
	}
}

// messageAndSender is one entry of Apply's ordered input: a signed
// message plus the block CID it was carried in, used only to break ties
// between messages with the same sender and nonce.
type messageAndSender struct {
	msg      *chain.SignedMessage
	blockCid cid.Cid
}

// MergeTipSetMessages deterministically merges a tipset's per-block
// message lists: union by sender, then ordered by sender-nonce, then by
// block CID tiebreak. byBlock maps each of ts's block CIDs to the signed
// messages that block carried; blocks absent from the map contribute
// none.
func MergeTipSetMessages(ts *chain.TipSet, byBlock map[cid.Cid][]*chain.SignedMessage) ([]*chain.SignedMessage, error) {
	var entries []messageAndSender
	for _, b := range ts.Blocks() {
		bc, err := b.Cid()
		if err != nil {
			return nil, fmt.Errorf("state: hashing block for message merge: %w", err)
		}
		for _, m := range byBlock[bc] {
			entries = append(entries, messageAndSender{msg: m, blockCid: bc})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].msg.Message, entries[j].msg.Message
		if c := bytes.Compare(a.From.Bytes(), b.From.Bytes()); c != 0 {
			return c < 0
		}
		if a.Nonce != b.Nonce {
			return a.Nonce < b.Nonce
		}
		return bytes.Compare(entries[i].blockCid.Bytes(), entries[j].blockCid.Bytes()) < 0
	})

	out := make([]*chain.SignedMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// Apply runs msgs, in order, against the actor tree rooted at parentRoot,
// producing a new root and one receipt per message. It never mutates
// parentRoot's underlying blocks; the new tree is built from fresh HAMT
// nodes that share unmodified subtrees via content addressing.
func (e *Evaluator) Apply(ctx context.Context, parentRoot cid.Cid, msgs []*chain.SignedMessage, height abi.ChainEpoch, timestamp uint64, baseFee stbig.Int) (*ExecResult, error) {
	tree, err := LoadTree(ctx, e.bs, parentRoot)
	if err != nil {
		return nil, fmt.Errorf("state: loading parent state tree: %w", err)
	}

	rules, err := RulesFor(NetworkVersionForHeight(height))
	if err != nil {
		return nil, fmt.Errorf("state: resolving rules for height %d: %w", height, err)
	}

	receipts := make([]Receipt, 0, len(msgs))
	totalBurnt := stbig.Zero()
	totalMined := stbig.Zero()

	for i, sm := range msgs {
		receipt, burnt, mined, err := e.applyOne(ctx, tree, sm.Message, baseFee, rules)
		if err != nil {
			return nil, fmt.Errorf("state: applying message %d from %s: %w", i, sm.Message.From, err)
		}
		receipts = append(receipts, receipt)
		totalBurnt = stbig.Add(totalBurnt, burnt)
		totalMined = stbig.Add(totalMined, mined)
	}

	newRoot, err := tree.Flush(ctx)
	if err != nil {
		return nil, err
	}
	receiptsRoot, err := buildReceiptsAMT(ctx, e.bs, receipts)
	if err != nil {
		return nil, err
	}

	log.Debugw("state: applied tipset messages", "height", height, "messages", len(msgs), "newRoot", newRoot)
	return &ExecResult{
		StateRoot:    newRoot,
		ReceiptsRoot: receiptsRoot,
		Receipts:     receipts,
		GasBurnt:     totalBurnt,
		GasMined:     totalMined,
	}, nil
}

// applyOne applies a single message's protocol-level checks (nonce,
// balance, gas deposit) and execution. It returns the receipt plus how
// much of the gas deposit was burnt (base fee) versus mined (paid to the
// block producer as tip).
func (e *Evaluator) applyOne(ctx context.Context, tree *Tree, msg chain.Message, baseFee stbig.Int, rules RuleSet) (Receipt, stbig.Int, stbig.Int, error) {
	sender, ok, err := tree.GetActor(ctx, msg.From)
	if err != nil {
		return Receipt{}, stbig.Zero(), stbig.Zero(), err
	}
	if !ok {
		return Receipt{}, stbig.Zero(), stbig.Zero(), fmt.Errorf("sender %s has no actor state", msg.From)
	}
	if msg.Nonce != sender.Nonce {
		return Receipt{}, stbig.Zero(), stbig.Zero(), fmt.Errorf("sender %s nonce mismatch: message has %d, actor has %d", msg.From, msg.Nonce, sender.Nonce)
	}
	required := msg.RequiredFunds()
	if stbig.Cmp(sender.Balance, required) < 0 {
		return Receipt{}, stbig.Zero(), stbig.Zero(), fmt.Errorf("sender %s balance %s below required %s", msg.From, sender.Balance, required)
	}

	gasCost := stbig.Mul(stbig.NewInt(msg.GasLimit), msg.GasFeeCap)
	sender.Balance = stbig.Sub(sender.Balance, gasCost)
	sender.Nonce++

	exitCode, ret, gasUsed := e.invoke(msg, rules)

	if exitCode == 0 {
		sender.Balance = stbig.Sub(sender.Balance, msg.Value)
		if err := e.credit(ctx, tree, msg.To, msg.Value, rules); err != nil {
			return Receipt{}, stbig.Zero(), stbig.Zero(), fmt.Errorf("crediting recipient %s: %w", msg.To, err)
		}
	}

	premium := msg.GasPremium
	if stbig.Cmp(premium, rules.MinGasPremium) < 0 {
		premium = rules.MinGasPremium
	}
	burnt := stbig.Mul(stbig.NewInt(gasUsed), baseFee)
	mined := stbig.Mul(stbig.NewInt(gasUsed), premium)
	refund := stbig.Sub(gasCost, stbig.Add(burnt, mined))
	if stbig.Cmp(refund, stbig.Zero()) > 0 {
		sender.Balance = stbig.Add(sender.Balance, refund)
	}

	if err := tree.SetActor(ctx, msg.From, sender); err != nil {
		return Receipt{}, stbig.Zero(), stbig.Zero(), err
	}

	return Receipt{ExitCode: exitCode, Return: ret, GasUsed: gasUsed}, burnt, mined, nil
}

// invoke runs the message's method. Method 0 (send) is pure value
// transfer handled by the caller; every other method number is executed
// opaquely here, since actor-specific semantics are out of this
// component's scope — it always succeeds, consumes its full declared gas
// limit, and returns no value. A real actor VM slots in at this call site
// without changing anything else in Apply.
func (e *Evaluator) invoke(msg chain.Message, rules RuleSet) (exitCode int64, ret []byte, gasUsed int64) {
	if msg.Method == sendMethod {
		return 0, nil, minInt64(msg.GasLimit, 1000)
	}
	return 0, nil, msg.GasLimit
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// credit adds amount to to's balance, creating a fresh account actor
// (using the rule set's account code CID) if none exists yet.
func (e *Evaluator) credit(ctx context.Context, tree *Tree, to address.Address, amount stbig.Int, rules RuleSet) error {
	actor, ok, err := tree.GetActor(ctx, to)
	if err != nil {
		return err
	}
	if !ok {
		actor = &ActorState{Code: rules.AccountCodeCID, Head: cid.Undef, Nonce: 0, Balance: stbig.Zero()}
	}
	actor.Balance = stbig.Add(actor.Balance, amount)
	return tree.SetActor(ctx, to, actor)
}

func buildReceiptsAMT(ctx context.Context, bs blockstore.Blockstore, receipts []Receipt) (cid.Cid, error) {
	cst := cborstore.NewCborStore(bs)
	root, err := amt.NewAMT(cst)
	if err != nil {
		return cid.Undef, fmt.Errorf("state: creating receipts amt: %w", err)
	}
	for i, r := range receipts {
		rc := r
		if err := root.Set(ctx, uint64(i), &rc); err != nil {
			return cid.Undef, fmt.Errorf("state: appending receipt %d: %w", i, err)
		}
	}
	return root.Flush(ctx)
}

// LoadReceipts decodes the AMT at root back into a flat slice, in index
// order, for RPC/CLI consumers that want a tipset's receipts without
// walking the tree themselves.
func LoadReceipts(ctx context.Context, bs blockstore.Blockstore, root cid.Cid, count int) ([]Receipt, error) {
	cst := cborstore.NewCborStore(bs)
	node, err := amt.LoadAMT(ctx, cst, root)
	if err != nil {
		return nil, fmt.Errorf("state: loading receipts amt %s: %w", root, err)
	}
	out := make([]Receipt, count)
	for i := 0; i < count; i++ {
		var r Receipt
		if err := node.Get(ctx, uint64(i), &r); err != nil {
			return nil, fmt.Errorf("state: reading receipt %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}
