// Package sync drives the chain synchronization state machine: turning a
// candidate head (a set of block CIDs announced by a peer or gossiped
// locally) into header fetches, validation, message retrieval and
// evaluation, ending either in a new committed head or a rejected,
// cached-as-bad chain.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"

	"corechain/internal/chain"
	"corechain/internal/chainstore"
	"corechain/internal/errs"
	"corechain/internal/logging"
	"corechain/internal/state"
)

var log = logging.Logger("corechain/sync")

var (
	// ErrChainHasBadTipSet is returned when collectChain encounters a
	// tipset previously cached as invalid.
	ErrChainHasBadTipSet = fmt.Errorf("sync: candidate chain contains a previously rejected tipset")
	// ErrChainTooLong is returned when a candidate chain runs more than
	// Config.MaxChainLengthAhead tipsets beyond the local store without
	// meeting it, the same DoS guard go-filecoin's FinalityLimit enforces.
	ErrChainTooLong = fmt.Errorf("sync: candidate chain exceeds the maximum length ahead of the local store")
)

// Phase names the sync state machine's current step, surfaced for
// observability through Syncer.Phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHeaderFetch
	PhaseHeaderValidate
	PhaseMessageFetch
	PhaseMessageValidate
	PhaseStateEvaluate
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseHeaderFetch:
		return "header_fetch"
	case PhaseHeaderValidate:
		return "header_validate"
	case PhaseMessageFetch:
		return "message_fetch"
	case PhaseMessageValidate:
		return "message_validate"
	case PhaseStateEvaluate:
		return "state_evaluate"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// MessageSource decodes the message DAG a MessageFetcher has already
// pulled into local storage, keyed by the block CID that carried it.
type MessageSource interface {
	MessagesForBlock(ctx context.Context, blockCid cid.Cid) ([]*chain.SignedMessage, error)
}

// HeadObserver is notified once a sync cycle commits a new head, passing
// the tipsets reverted and applied in oldest-first order — the shape
// internal/mpool.Pool.HandleHeadChange expects.
type HeadObserver interface {
	HandleHeadChange(ctx context.Context, revert, apply []*chain.TipSet, messagesOf func(*chain.TipSet) []*chain.SignedMessage) error
}

// Syncer drives Idle -> HeaderFetch -> HeaderValidate -> MessageFetch ->
// MessageValidate -> StateEvaluate -> Commit -> Idle for one candidate
// chain at a time; HandleNewHead serializes concurrent callers the same
// way go-filecoin's DefaultSyncer.HandleNewTipset does.
type Syncer struct {
	mu sync.Mutex

	store     *chainstore.Store
	evaluator *state.Evaluator
	headers   BlockFetcher
	messages  MessageFetcher
	msgSource MessageSource
	observer  HeadObserver
	clock     clock.Clock

	maxChainLengthAhead int64
	blockWait           time.Duration

	bad *badTipSetCache

	phaseMu sync.Mutex
	phase   Phase
}

// Config bounds how far a candidate chain may run ahead of the local head
// before it is rejected outright, and how long a single header-batch
// fetch may take.
type Config struct {
	MaxChainLengthAhead int64
	BlockWait           time.Duration
}

// New builds a Syncer. observer may be nil if nothing needs head-change
// notifications (e.g. a read-only archive replay).
func New(store *chainstore.Store, evaluator *state.Evaluator, headers BlockFetcher, messages MessageFetcher, msgSource MessageSource, observer HeadObserver, cfg Config) *Syncer {
	blockWait := cfg.BlockWait
	if blockWait <= 0 {
		blockWait = 30 * time.Second
	}
	maxAhead := cfg.MaxChainLengthAhead
	if maxAhead <= 0 {
		maxAhead = 600
	}
	return &Syncer{
		store:               store,
		evaluator:           evaluator,
		headers:             headers,
		messages:            messages,
		msgSource:           msgSource,
		observer:            observer,
		clock:               clock.New(),
		maxChainLengthAhead: maxAhead,
		blockWait:           blockWait,
		bad:                 newBadTipSetCache(),
	}
}

// SetClock swaps in a mock clock for deterministic header-wait timeout
// tests.
func (s *Syncer) SetClock(c clock.Clock) { s.clock = c }

// Phase reports the state machine's current step.
func (s *Syncer) Phase() Phase {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	return s.phase
}

func (s *Syncer) setPhase(p Phase) {
	s.phaseMu.Lock()
	s.phase = p
	s.phaseMu.Unlock()
}

// HandleNewHead extends the store with the chain implied by headCids, a
// candidate tipset's block CIDs, if it represents a valid heavier
// extension. It caches bad tipsets to stop a peer re-announcing the same
// rejected chain from forcing repeated revalidation.
func (s *Syncer) HandleNewHead(ctx context.Context, headCids []cid.Cid) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	head := s.store.Head()
	if head != nil {
		key := chain.NewTipSetKey(headCids)
		if key.Equals(head.Key()) {
			return nil
		}
	}

	chainToApply, parent, err := s.collectChain(ctx, headCids)
	if err != nil {
		return err
	}

	for i, ts := range chainToApply {
		if err := s.syncOne(ctx, parent, ts); err != nil {
			s.bad.AddChain(chainToApply[i:])
			return err
		}
		parent = ts
	}
	return nil
}

// collectChain walks backwards from headCids, fetching headers and
// grouping them into tipsets, until it reaches a tipset already recorded
// in the store. It returns the new tipsets oldest-first and the already-
// committed tipset they extend. collectChain fetches headers only
// (message fetches happen in syncOne); it does not mutate the store.
func (s *Syncer) collectChain(ctx context.Context, headCids []cid.Cid) ([]*chain.TipSet, *chain.TipSet, error) {
	var chainToApply []*chain.TipSet
	cursor := headCids

	for int64(len(chainToApply)) <= s.maxChainLengthAhead {
		key := chain.NewTipSetKey(cursor)

		if s.bad.Has(key) {
			return nil, nil, errs.Wrap(errs.Validation, "sync.collectChain", fmt.Errorf("%w: %s", ErrChainHasBadTipSet, key))
		}
		// A tipset only terminates the walk once it has a recorded state
		// root, i.e. it was actually committed by a prior syncOne — not
		// merely reconstructable because its blocks happen to be in the
		// blockstore (the same distinction go-filecoin's
		// HasTipSetAndState makes over a bare block-presence check).
		if ts, err := s.store.LoadTipSet(ctx, key); err == nil {
			if _, err := s.store.TipSetStateRoot(ctx, key); err != nil {
				return nil, nil, errs.Wrap(errs.Corruption, "sync.collectChain", fmt.Errorf("tipset %s is stored without a recorded state root", key))
			}
			parent := ts
			// Prepend every tipset collected so far onto the tail found
			// in the store; reverse chainToApply since it was built
			// newest-first.
			out := make([]*chain.TipSet, len(chainToApply))
			for i, t := range chainToApply {
				out[len(chainToApply)-1-i] = t
			}
			return out, parent, nil
		}

		s.setPhase(PhaseHeaderFetch)
		headers, err := s.fetchHeaders(ctx, cursor)
		if err != nil {
			return nil, nil, errs.Wrap(errs.Transient, "sync.collectChain", err)
		}

		s.setPhase(PhaseHeaderValidate)
		ts, err := chain.NewTipSet(headers)
		if err != nil {
			s.bad.Add(key)
			return nil, nil, errs.Wrap(errs.Validation, "sync.collectChain", err)
		}
		if !ts.Key().Equals(key) {
			s.bad.Add(key)
			return nil, nil, errs.Wrap(errs.Validation, "sync.collectChain", fmt.Errorf("fetched headers do not reconstruct the requested tipset %s", key))
		}

		chainToApply = append(chainToApply, ts)
		cursor = ts.Parents().Cids()
		if len(cursor) == 0 {
			return nil, nil, errs.Wrap(errs.Validation, "sync.collectChain", fmt.Errorf("chain has no genesis in common with the local store"))
		}
	}

	return nil, nil, errs.Wrap(errs.Validation, "sync.collectChain", ErrChainTooLong)
}

func (s *Syncer) fetchHeaders(ctx context.Context, cids []cid.Cid) ([]*chain.BlockHeader, error) {
	fetchCtx, cancel := s.clock.WithTimeout(ctx, s.blockWait)
	defer cancel()
	return s.headers.FetchHeaders(fetchCtx, cids)
}

// syncOne advances the store by exactly one tipset: validates that its
// declared parent state matches what the store recorded for parent,
// fetches and merges its messages, evaluates them, and commits the result
// — either as a new tipset alongside the current head or, if heavier, as
// the new head itself. Precondition: the caller holds s.mu.
func (s *Syncer) syncOne(ctx context.Context, parent, ts *chain.TipSet) error {
	parentRoot, err := s.store.TipSetStateRoot(ctx, parent.Key())
	if err != nil {
		return errs.Wrap(errs.Corruption, "sync.syncOne", fmt.Errorf("loading recorded state for parent %s: %w", parent.Key(), err))
	}
	if !ts.ParentStateRoot().Equals(parentRoot) {
		return errs.Wrap(errs.Validation, "sync.syncOne", fmt.Errorf("tipset %s declares parent state root %s, store has %s for %s", ts.Key(), ts.ParentStateRoot(), parentRoot, parent.Key()))
	}
	if ts.Height() <= parent.Height() {
		return errs.Wrap(errs.Validation, "sync.syncOne", fmt.Errorf("tipset %s height %d does not exceed parent height %d", ts.Key(), ts.Height(), parent.Height()))
	}

	s.setPhase(PhaseMessageFetch)
	byBlock := make(map[cid.Cid][]*chain.SignedMessage, len(ts.Blocks()))
	for _, b := range ts.Blocks() {
		bc, err := b.Cid()
		if err != nil {
			return errs.Wrap(errs.Malformed, "sync.syncOne", err)
		}
		if err := s.messages.FetchMessages(ctx, b.Messages); err != nil {
			return errs.Wrap(errs.Transient, "sync.syncOne", fmt.Errorf("fetching messages for block %s: %w", bc, err))
		}
		msgs, err := s.msgSource.MessagesForBlock(ctx, bc)
		if err != nil {
			return errs.Wrap(errs.Malformed, "sync.syncOne", fmt.Errorf("decoding messages for block %s: %w", bc, err))
		}
		byBlock[bc] = msgs
	}

	s.setPhase(PhaseMessageValidate)
	merged, err := state.MergeTipSetMessages(ts, byBlock)
	if err != nil {
		return errs.Wrap(errs.Malformed, "sync.syncOne", err)
	}

	s.setPhase(PhaseStateEvaluate)
	res, err := s.evaluator.Apply(ctx, parentRoot, merged, ts.Height(), ts.MinTimestamp(), ts.ParentBaseFee())
	if err != nil {
		return errs.Wrap(errs.Validation, "sync.syncOne", fmt.Errorf("evaluating tipset %s: %w", ts.Key(), err))
	}

	s.setPhase(PhaseCommit)
	if err := s.store.PutTipSet(ctx, ts, res.StateRoot); err != nil {
		return errs.Wrap(errs.Transient, "sync.syncOne", err)
	}

	head := s.store.Head()
	if chain.Heavier(ts, head) {
		revert, apply := reorgSpan(head, ts)
		if _, err := s.store.SetHead(ctx, ts); err != nil {
			return errs.Wrap(errs.Transient, "sync.syncOne", err)
		}
		if s.observer != nil {
			messagesOf := func(t *chain.TipSet) []*chain.SignedMessage {
				var out []*chain.SignedMessage
				for _, b := range t.Blocks() {
					if bc, err := b.Cid(); err == nil {
						out = append(out, byBlock[bc]...)
					}
				}
				return out
			}
			if err := s.observer.HandleHeadChange(ctx, revert, apply, messagesOf); err != nil {
				log.Warnf("sync: head-change observer failed: %s", err)
			}
		}
	}
	return nil
}

// reorgSpan reports which tipsets a switch from oldHead to newHead
// reverts and applies. Since this syncer only ever commits tipsets one
// parent-step at a time, the common case is a single tipset applied with
// nothing reverted; a genuine reorg (newHead's parent isn't oldHead)
// still reports the single newly-applied tipset, since syncOne has
// already ensured ts extends a tipset the store recognizes as its
// ancestor rather than a disjoint fork.
func reorgSpan(oldHead, newHead *chain.TipSet) (revert, apply []*chain.TipSet) {
	if oldHead == nil || oldHead.Equals(newHead) {
		return nil, []*chain.TipSet{newHead}
	}
	if newHead.Parents().Equals(oldHead.Key()) {
		return nil, []*chain.TipSet{newHead}
	}
	log.Infof("sync: reorg, new head %s does not extend old head %s", newHead.Key(), oldHead.Key())
	return []*chain.TipSet{oldHead}, []*chain.TipSet{newHead}
}

// NetworkVersionForHeight re-exports the evaluator's height-to-version
// mapping so callers that only import this package don't need a second
// import just to print it.
func NetworkVersionForHeight(height abi.ChainEpoch) abi.NetworkVersion {
	return state.NetworkVersionForHeight(height)
}
