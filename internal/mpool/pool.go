// Package mpool holds the set of signed messages a node has admitted but
// not yet seen committed into the canonical chain: candidates for the next
// block, kept ordered per sender by nonce and pruned by gas premium when a
// sender's queue or the pool as a whole runs over capacity.
package mpool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/filecoin-project/go-address"
	stbig "github.com/filecoin-project/go-state-types/big"
	"github.com/gammazero/deque"
	"github.com/ipfs/go-cid"

	"corechain/internal/chain"
	"corechain/internal/logging"
)

var log = logging.Logger("corechain/mpool")

// AccountView answers the two questions admission needs about a sender:
// its next expected call nonce and its spendable balance. The evaluator's
// actor tree satisfies this interface; tests use a map-backed stand-in.
type AccountView interface {
	ActorNonce(ctx context.Context, addr address.Address) (uint64, error)
	ActorBalance(ctx context.Context, addr address.Address) (stbig.Int, error)
}

// Config bounds pool size. Zero values fall back to defaults that keep a
// single pathological sender from crowding out everyone else.
type Config struct {
	MaxPerSender int
	MaxTotal     int
	MinGasFeeCap stbig.Int
}

const (
	defaultMaxPerSender = 64
	defaultMaxTotal     = 4096
)

// senderQueue holds one sender's pending messages ordered by ascending
// nonce. Replacement of a pending nonce by a higher-premium message, and
// insertion at an arbitrary nonce gap, are both common enough in practice
// that a slice would mean shifting every later element on each insert; the
// deque's O(1) push front/back keeps the common case (append at the tail)
// cheap while still allowing indexed insertion for the rest.
type senderQueue struct {
	msgs deque.Deque[*chain.SignedMessage]
}

// insert places sm in nonce order, replacing an existing message at the
// same nonce only if sm's gas premium is strictly higher. It reports
// whether the queue changed and, on a replacement, the message that was
// displaced (so the caller can forget its CID).
func (q *senderQueue) insert(sm *chain.SignedMessage) (changed bool, replaced *chain.SignedMessage) {
	for i := 0; i < q.msgs.Len(); i++ {
		cur := q.msgs.At(i)
		if cur.Message.Nonce == sm.Message.Nonce {
			if stbig.Cmp(sm.Message.GasPremium, cur.Message.GasPremium) <= 0 {
				return false, nil
			}
			q.msgs.Set(i, sm)
			return true, cur
		}
		if cur.Message.Nonce > sm.Message.Nonce {
			q.msgs.PushBack(nil)
			for j := q.msgs.Len() - 1; j > i; j-- {
				q.msgs.Set(j, q.msgs.At(j-1))
			}
			q.msgs.Set(i, sm)
			return true, nil
		}
	}
	q.msgs.PushBack(sm)
	return true, nil
}

// removeAt deletes the message at index i, preserving order.
func (q *senderQueue) removeAt(i int) {
	for j := i; j < q.msgs.Len()-1; j++ {
		q.msgs.Set(j, q.msgs.At(j+1))
	}
	q.msgs.PopBack()
}

// lowestPremiumIndex returns the index of the pending message with the
// smallest gas premium, used to decide what an over-capacity sender queue
// gives up first.
func (q *senderQueue) lowestPremiumIndex() int {
	lowest := 0
	for i := 1; i < q.msgs.Len(); i++ {
		if stbig.Cmp(q.msgs.At(i).Message.GasPremium, q.msgs.At(lowest).Message.GasPremium) < 0 {
			lowest = i
		}
	}
	return lowest
}

func (q *senderQueue) discardBelowNonce(nonce uint64) {
	for q.msgs.Len() > 0 && q.msgs.Front().Message.Nonce < nonce {
		q.msgs.PopFront()
	}
}

// Pool is the node's pending-message set. Safe for concurrent use.
type Pool struct {
	cfg     Config
	view    AccountView
	mu      sync.Mutex
	senders map[address.Address]*senderQueue
	byCid   map[cid.Cid]struct{}
	total   int
}

// New creates an empty pool. view supplies the nonce/balance facts
// admission checks against.
func New(cfg Config, view AccountView) *Pool {
	if cfg.MaxPerSender <= 0 {
		cfg.MaxPerSender = defaultMaxPerSender
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = defaultMaxTotal
	}
	return &Pool{
		cfg:     cfg,
		view:    view,
		senders: make(map[address.Address]*senderQueue),
		byCid:   make(map[cid.Cid]struct{}),
	}
}

// Push validates and admits sm. Admission requires: a valid signature, a
// nonce not already finalized below the sender's current actor nonce, and
// a declared gas fee cap that clears the pool's floor and the sender's
// balance. A message that merely repeats an already-pending nonce at a
// lower or equal premium is rejected with an error, mirroring how a
// gas-price war between two messages for the same slot is meant to play
// out (cmd/stress-engine's DoGasWar vector): the higher bid wins the slot.
func (p *Pool) Push(ctx context.Context, sm *chain.SignedMessage) error {
	if err := VerifySignature(sm); err != nil {
		return fmt.Errorf("mpool: rejecting message: %w", err)
	}
	if !p.cfg.MinGasFeeCap.IsZero() && stbig.Cmp(sm.Message.GasFeeCap, p.cfg.MinGasFeeCap) < 0 {
		return fmt.Errorf("mpool: gas fee cap %s below pool floor %s", sm.Message.GasFeeCap, p.cfg.MinGasFeeCap)
	}

	actorNonce, err := p.view.ActorNonce(ctx, sm.Message.From)
	if err != nil {
		return fmt.Errorf("mpool: looking up sender nonce: %w", err)
	}
	if sm.Message.Nonce < actorNonce {
		return fmt.Errorf("mpool: nonce %d already used, actor is at %d", sm.Message.Nonce, actorNonce)
	}
	balance, err := p.view.ActorBalance(ctx, sm.Message.From)
	if err != nil {
		return fmt.Errorf("mpool: looking up sender balance: %w", err)
	}
	if stbig.Cmp(balance, sm.Message.RequiredFunds()) < 0 {
		return fmt.Errorf("mpool: sender balance %s below required funds %s", balance, sm.Message.RequiredFunds())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.senders[sm.Message.From]
	if !ok {
		q = &senderQueue{}
		p.senders[sm.Message.From] = q
	}
	q.discardBelowNonce(actorNonce)

	before := q.msgs.Len()
	changed, replaced := q.insert(sm)
	if !changed {
		return fmt.Errorf("mpool: a pending message already occupies nonce %d at an equal or higher premium", sm.Message.Nonce)
	}
	if replaced != nil {
		p.forget(replaced)
	}
	if q.msgs.Len() > before {
		p.total++
	}
	c, err := sm.Cid()
	if err != nil {
		return fmt.Errorf("mpool: hashing admitted message: %w", err)
	}
	p.byCid[c] = struct{}{}

	for q.msgs.Len() > p.cfg.MaxPerSender {
		victim := q.lowestPremiumIndex()
		p.forget(q.msgs.At(victim))
		q.removeAt(victim)
		p.total--
	}

	for p.total > p.cfg.MaxTotal {
		if !p.evictGlobalLowestPremium() {
			break
		}
	}
	log.Debugw("admitted message", "from", sm.Message.From, "nonce", sm.Message.Nonce, "total", p.total)
	return nil
}

func (p *Pool) forget(sm *chain.SignedMessage) {
	if c, err := sm.Cid(); err == nil {
		delete(p.byCid, c)
	}
}

// evictGlobalLowestPremium drops the single lowest-premium message across
// the entire pool. Reports whether anything was evicted.
func (p *Pool) evictGlobalLowestPremium() bool {
	var (
		victimAddr  address.Address
		victimIndex = -1
		victimPrem  stbig.Int
	)
	first := true
	for addr, q := range p.senders {
		if q.msgs.Len() == 0 {
			continue
		}
		i := q.lowestPremiumIndex()
		prem := q.msgs.At(i).Message.GasPremium
		if first || stbig.Cmp(prem, victimPrem) < 0 {
			victimAddr, victimIndex, victimPrem, first = addr, i, prem, false
		}
	}
	if victimIndex < 0 {
		return false
	}
	q := p.senders[victimAddr]
	p.forget(q.msgs.At(victimIndex))
	q.removeAt(victimIndex)
	p.total--
	return true
}

// Remove drops a message by CID, used once a message has been committed
// into the canonical chain and no longer needs to occupy pool space.
func (p *Pool) Remove(c cid.Cid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byCid[c]; !ok {
		return
	}
	for _, q := range p.senders {
		for i := 0; i < q.msgs.Len(); i++ {
			if mc, err := q.msgs.At(i).Cid(); err == nil && mc.Equals(c) {
				q.removeAt(i)
				p.total--
				delete(p.byCid, c)
				return
			}
		}
	}
}

// Has reports whether a message with the given CID is currently pending.
func (p *Pool) Has(c cid.Cid) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byCid[c]
	return ok
}

// senderSelection is an intermediate grouping used by Select to rank
// senders by the premium of their next runnable message before flattening
// into the final ordering.
type senderSelection struct {
	addr address.Address
	msgs []*chain.SignedMessage
}

// Select returns pending messages ready for inclusion in a block built on
// top of a parent whose per-sender next-expected nonces are given by
// nextNonce, under a total gas-limit budget. Messages are returned grouped
// by sender in nonce order; senders are ranked by the gas premium of their
// next runnable message, highest first (ties by address), so they are the
// ones kept when the budget runs out partway through the pool, matching
// how a rational miner would pick among competing senders.
func (p *Pool) Select(nextNonce map[address.Address]uint64, gasLimitBudget int64) []*chain.SignedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	selections := make([]senderSelection, 0, len(p.senders))
	for addr, q := range p.senders {
		want := nextNonce[addr]
		var runnable []*chain.SignedMessage
		expect := want
		for i := 0; i < q.msgs.Len(); i++ {
			m := q.msgs.At(i)
			if m.Message.Nonce != expect {
				break
			}
			runnable = append(runnable, m)
			expect++
		}
		if len(runnable) > 0 {
			selections = append(selections, senderSelection{addr: addr, msgs: runnable})
		}
	}

	sort.SliceStable(selections, func(i, j int) bool {
		pi := selections[i].msgs[0].Message.GasPremium
		pj := selections[j].msgs[0].Message.GasPremium
		if c := stbig.Cmp(pi, pj); c != 0 {
			return c > 0
		}
		return addressLess(selections[i].addr, selections[j].addr)
	})

	var out []*chain.SignedMessage
	var used int64
	for _, sel := range selections {
		for _, m := range sel.msgs {
			if used+m.Message.GasLimit > gasLimitBudget {
				break
			}
			out = append(out, m)
			used += m.Message.GasLimit
		}
	}
	return out
}

func addressLess(a, b address.Address) bool {
	ab, bb := a.Bytes(), b.Bytes()
	for i := 0; i < len(ab) && i < len(bb); i++ {
		if ab[i] != bb[i] {
			return ab[i] < bb[i]
		}
	}
	return len(ab) < len(bb)
}

// HandleHeadChange reconciles the pool with a reorg: messages carried only
// by tipsets being reverted are reinserted as pending (they are still
// valid and unconfirmed), while messages carried by tipsets being applied
// are dropped from the pool since the chain now holds them. revert and
// apply are each in oldest-first order, matching chainstore's SetHead
// notification shape.
func (p *Pool) HandleHeadChange(ctx context.Context, revert, apply []*chain.TipSet, messagesOf func(*chain.TipSet) []*chain.SignedMessage) error {
	applied := make(map[cid.Cid]struct{})
	for _, ts := range apply {
		for _, m := range messagesOf(ts) {
			if c, err := m.Cid(); err == nil {
				applied[c] = struct{}{}
			}
		}
	}
	for _, ts := range revert {
		for _, m := range messagesOf(ts) {
			c, err := m.Cid()
			if err != nil {
				continue
			}
			if _, stillApplied := applied[c]; stillApplied {
				continue
			}
			if p.Has(c) {
				continue
			}
			if err := p.Push(ctx, m); err != nil {
				log.Debugw("dropping reverted message on reinsertion", "cid", c, "err", err)
			}
		}
	}
	for c := range applied {
		p.Remove(c)
	}
	return nil
}

// Len reports the number of messages currently pending across all senders.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}
