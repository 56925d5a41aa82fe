// Package chainstore persists the tipset graph and the single mutable
// head pointer, and fans out head-change notifications to subscribers.
// Everything but the head pointer is immutable once written.
package chainstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/ipfs/go-cid"

	"corechain/internal/blockstore"
	"corechain/internal/chain"
	"corechain/internal/logging"
)

// blockHeaderCacheSize bounds the decoded-block-header cache LoadTipSet
// consults before round-tripping through the blockstore. It only ever
// holds already-validated headers, so eviction just costs a re-decode,
// never correctness.
const blockHeaderCacheSize = 4096

var log = logging.Logger("corechain/chainstore")

// headKey is where the current head's tipset key is persisted.
var headKey = ds.NewKey("/chain/head")

func stateRootKey(tsKey string) ds.Key {
	return ds.NewKey("/chain/stateroot/" + tsKey)
}

// headNotificationBuffer bounds how many head changes a slow subscriber
// may lag behind before it starts missing intermediate heads. Subscribers
// only ever need the latest head, not a complete history, so a dropped
// notification is not a correctness problem upstream.
const headNotificationBuffer = 16

// Store owns the persisted head pointer and the tipset index built over
// it. Blocks are addressed and stored through a Blockstore; the tipset
// index and head pointer live in a separate metadata datastore so that
// blockstore compaction (Component E/B) never has to reason about chain
// structure.
type Store struct {
	bs   blockstore.Blockstore
	meta ds.Datastore

	genesis cid.Cid

	mu   sync.RWMutex
	head *chain.TipSet

	byKey          map[string]*chain.TipSet
	byParentHeight map[string][]*chain.TipSet
	stateRoots     map[string]cid.Cid
	headerCache    *lru.Cache[cid.Cid, *chain.BlockHeader]

	subMu   sync.Mutex
	subs    map[int]chan *chain.TipSet
	nextSub int
}

// New constructs a Store. genesis is the CID of the single-block genesis
// tipset; Load will refuse to adopt a persisted head that doesn't trace
// back to it.
func New(bs blockstore.Blockstore, meta ds.Datastore, genesis cid.Cid) *Store {
	headerCache, err := lru.New[cid.Cid, *chain.BlockHeader](blockHeaderCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// blockHeaderCacheSize never is.
		panic(err)
	}
	return &Store{
		bs:             bs,
		meta:           meta,
		genesis:        genesis,
		byKey:          make(map[string]*chain.TipSet),
		byParentHeight: make(map[string][]*chain.TipSet),
		stateRoots:     make(map[string]cid.Cid),
		headerCache:    headerCache,
		subs:           make(map[int]chan *chain.TipSet),
	}
}

// PutTipSet persists a tipset's blocks and records its state root. It is
// idempotent: putting the same tipset twice is a no-op the second time.
func (s *Store) PutTipSet(ctx context.Context, ts *chain.TipSet, stateRoot cid.Cid) error {
	for _, b := range ts.Blocks() {
		blk, err := b.ToStoredBlock()
		if err != nil {
			return fmt.Errorf("chainstore: encoding block: %w", err)
		}
		if err := s.bs.Put(ctx, blk); err != nil {
			return fmt.Errorf("chainstore: storing block %s: %w", blk.Cid(), err)
		}
		s.headerCache.Add(blk.Cid(), b)
	}

	key := ts.Key().String()
	if err := s.writeStateRoot(ctx, key, stateRoot); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.byKey[key]; !exists {
		s.byKey[key] = ts
		idxKey := parentHeightKey(ts.Parents().String(), ts.Height())
		s.byParentHeight[idxKey] = append(s.byParentHeight[idxKey], ts)
	}
	s.stateRoots[key] = stateRoot
	s.mu.Unlock()
	return nil
}

func parentHeightKey(parentKey string, height abi.ChainEpoch) string {
	return fmt.Sprintf("%s@%d", parentKey, height)
}

// LoadTipSet returns the tipset for key, reconstructing it from the
// blockstore if it isn't already cached in memory (e.g. after a restart
// before Load has walked that far back).
func (s *Store) LoadTipSet(ctx context.Context, key chain.TipSetKey) (*chain.TipSet, error) {
	s.mu.RLock()
	if ts, ok := s.byKey[key.String()]; ok {
		s.mu.RUnlock()
		return ts, nil
	}
	s.mu.RUnlock()

	cids := key.Cids()
	blocks := make([]*chain.BlockHeader, len(cids))
	for i, c := range cids {
		if h, ok := s.headerCache.Get(c); ok {
			blocks[i] = h
			continue
		}
		blk, err := s.bs.Get(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("chainstore: loading block %s: %w", c, err)
		}
		h, err := chain.DecodeBlockHeader(blk.RawData())
		if err != nil {
			return nil, fmt.Errorf("chainstore: decoding block %s: %w", c, err)
		}
		s.headerCache.Add(c, h)
		blocks[i] = h
	}
	ts, err := chain.NewTipSet(blocks)
	if err != nil {
		return nil, fmt.Errorf("chainstore: reconstructing tipset %s: %w", key, err)
	}

	s.mu.Lock()
	s.byKey[ts.Key().String()] = ts
	s.mu.Unlock()
	return ts, nil
}

// TipSetStateRoot returns the state root recorded for a tipset by
// PutTipSet.
func (s *Store) TipSetStateRoot(ctx context.Context, key chain.TipSetKey) (cid.Cid, error) {
	s.mu.RLock()
	if root, ok := s.stateRoots[key.String()]; ok {
		s.mu.RUnlock()
		return root, nil
	}
	s.mu.RUnlock()

	bb, err := s.meta.Get(ctx, stateRootKey(key.String()))
	if err != nil {
		return cid.Undef, fmt.Errorf("chainstore: no state root recorded for tipset %s: %w", key, err)
	}
	var root cid.Cid
	if err := cbor.DecodeInto(bb, &root); err != nil {
		return cid.Undef, fmt.Errorf("chainstore: decoding state root for %s: %w", key, err)
	}
	return root, nil
}

// ByParentsAndHeight returns every previously-put tipset sharing the
// given parent tipset key and height — the candidate set the sync state
// machine's Commit step compares against.
func (s *Store) ByParentsAndHeight(parentKey chain.TipSetKey, height abi.ChainEpoch) []*chain.TipSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.byParentHeight[parentHeightKey(parentKey.String(), height)]
	cp := make([]*chain.TipSet, len(out))
	copy(cp, out)
	return cp
}

func (s *Store) writeStateRoot(ctx context.Context, key string, root cid.Cid) error {
	if root == cid.Undef {
		return fmt.Errorf("chainstore: refusing to persist an undefined state root for %s", key)
	}
	val, err := cbor.DumpObject(root)
	if err != nil {
		return fmt.Errorf("chainstore: encoding state root: %w", err)
	}
	return s.meta.Put(ctx, stateRootKey(key), val)
}

// Head returns the current chain head. It returns nil if the store has
// no head yet (a fresh node before genesis has been set).
func (s *Store) Head() *chain.TipSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// SetHead atomically replaces the head pointer, persists it, and
// publishes a notification to every subscriber. It returns the previous
// head (nil the first time). Either the new head is durably recorded and
// visible to subsequent Head()/Load() callers, or SetHead returns an
// error and nothing changed.
func (s *Store) SetHead(ctx context.Context, ts *chain.TipSet) (*chain.TipSet, error) {
	val, err := cbor.DumpObject(ts.Key().Cids())
	if err != nil {
		return nil, fmt.Errorf("chainstore: encoding head: %w", err)
	}
	if err := s.meta.Put(ctx, headKey, val); err != nil {
		return nil, fmt.Errorf("chainstore: persisting head: %w", err)
	}

	s.mu.Lock()
	prev := s.head
	s.head = ts
	key := ts.Key().String()
	if _, exists := s.byKey[key]; !exists {
		s.byKey[key] = ts
	}
	s.mu.Unlock()

	log.Infof("chainstore: new head %s at height %d", ts.Key(), ts.Height())
	s.publish(ts)
	return prev, nil
}

// Subscribe registers for head-change notifications. The returned
// channel is closed by Unsubscribe; callers must drain it to avoid being
// dropped from delivery once its buffer fills.
func (s *Store) Subscribe() (id int, ch <-chan *chain.TipSet) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id = s.nextSub
	s.nextSub++
	c := make(chan *chain.TipSet, headNotificationBuffer)
	s.subs[id] = c
	return id, c
}

// Unsubscribe stops delivery to a subscriber registered with Subscribe.
func (s *Store) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if c, ok := s.subs[id]; ok {
		close(c)
		delete(s.subs, id)
	}
}

func (s *Store) publish(ts *chain.TipSet) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, c := range s.subs {
		select {
		case c <- ts:
		default:
			log.Warnf("chainstore: subscriber %d is falling behind, dropping head notification", id)
		}
	}
}

// Load rebuilds the in-memory tipset index by walking backwards from the
// persisted head to genesis. It does not re-validate state transitions;
// it assumes tipsets were only ever written via PutTipSet after passing
// the sync state machine's HeaderValidate/StateEvaluate steps.
func (s *Store) Load(ctx context.Context) error {
	bb, err := s.meta.Get(ctx, headKey)
	if err != nil {
		return fmt.Errorf("chainstore: no persisted head: %w", err)
	}
	var cids []cid.Cid
	if err := cbor.DecodeInto(bb, &cids); err != nil {
		return fmt.Errorf("chainstore: decoding persisted head: %w", err)
	}

	headTsKey := chain.NewTipSetKey(cids)
	headTs, err := s.LoadTipSet(ctx, headTsKey)
	if err != nil {
		return fmt.Errorf("chainstore: loading head tipset: %w", err)
	}

	var genesisTs *chain.TipSet
	cur := headTs
	for {
		if _, err := s.TipSetStateRoot(ctx, cur.Key()); err != nil {
			return fmt.Errorf("chainstore: missing state root while loading tipset %s: %w", cur.Key(), err)
		}
		s.mu.Lock()
		s.byKey[cur.Key().String()] = cur
		idxKey := parentHeightKey(cur.Parents().String(), cur.Height())
		found := false
		for _, existing := range s.byParentHeight[idxKey] {
			if existing.Equals(cur) {
				found = true
				break
			}
		}
		if !found {
			s.byParentHeight[idxKey] = append(s.byParentHeight[idxKey], cur)
		}
		s.mu.Unlock()

		parents := cur.Parents()
		if len(parents.Cids()) == 0 {
			genesisTs = cur
			break
		}
		cur, err = s.LoadTipSet(ctx, parents)
		if err != nil {
			return fmt.Errorf("chainstore: loading ancestor %s: %w", parents, err)
		}
	}

	if genesisTs == nil || len(genesisTs.Blocks()) != 1 {
		return fmt.Errorf("chainstore: chain does not terminate in a single-block genesis")
	}
	gc, err := genesisTs.Blocks()[0].Cid()
	if err != nil {
		return err
	}
	if !gc.Equals(s.genesis) {
		return fmt.Errorf("chainstore: loaded genesis %s does not match expected genesis %s", gc, s.genesis)
	}

	s.mu.Lock()
	s.head = headTs
	s.mu.Unlock()
	log.Infof("chainstore: loaded chain up to head %s at height %d", headTs.Key(), headTs.Height())
	return nil
}
