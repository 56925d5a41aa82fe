// Package gc implements the garbage collector coordinator: a single
// goroutine owns the right to compact the blockstore, and every caller
// wanting a GC cycle rendezvous with it through a channel of reply
// channels, exactly the shape forest's own db_gc RPC handler uses
// (flume::bounded(1) reply channel, send_async/recv_async) translated to
// Go channels.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/filecoin-project/go-bitfield"
	"github.com/gammazero/chanqueue"
	"github.com/ipfs/go-cid"

	"corechain/internal/logging"
)

var log = logging.Logger("corechain/gc")

// Compactor is the subset of the blockstore's segment store the
// coordinator drives. isLive is called once per stored CID during the
// mark phase.
type Compactor interface {
	Compact(ctx context.Context, isLive func(cid.Cid) bool) error
}

// Reachability computes the set of CIDs reachable from the current chain
// head down to the finality boundary, i.e. everything GC must keep. It is
// supplied by the chain store. The coordinator ignores the returned
// bitfield and does not report it in Result; the map is the actual mark
// set consulted during the copy phase.
type Reachability func(ctx context.Context) (reachableByHeight *bitfield.BitField, reachable map[cid.Cid]struct{}, err error)

// Result reports the outcome of one GC cycle.
type Result struct {
	Err      error
	Started  time.Time
	Finished time.Time
}

// request is what a caller posts into the coordinator's queue: a place
// to receive the Result.
type request struct {
	ctx   context.Context
	reply chan Result
}

// Coordinator serializes GC cycles behind a bounded channel-of-channels
// rendezvous so concurrent db_gc callers (the RPC handler, corenode-tool,
// an internal scheduler) never race a compaction against each other.
type Coordinator struct {
	compactor    Compactor
	reachability Reachability
	pending      *chanqueue.Chan[request]
}

// New builds a Coordinator. capacity bounds how many GC requests may be
// queued awaiting the worker before further callers block in RequestGC; forest
// itself rendezvous on a single bounded(1) channel, so 1 is the default.
func New(compactor Compactor, reachability Reachability, capacity int) *Coordinator {
	if capacity < 1 {
		capacity = 1
	}
	return &Coordinator{
		compactor:    compactor,
		reachability: reachability,
		pending:      chanqueue.New[request](chanqueue.WithCapacity[request](capacity)),
	}
}

// Run drives the single GC worker goroutine until ctx is canceled. It is
// meant to be started once, from corenoded's main goroutine group.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.pending.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-c.pending.Out():
			if !ok {
				return
			}
			req.reply <- c.runOnce(req.ctx)
		}
	}
}

// RequestGC enqueues a GC cycle and blocks until it completes or ctx is
// canceled. A caller that arrives while another request already occupies
// the queue waits for the worker to dequeue it rather than being told to
// back off — the queue provides backpressure, not a busy rejection.
func (c *Coordinator) RequestGC(ctx context.Context) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case c.pending.In() <- request{ctx: ctx, reply: reply}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) runOnce(ctx context.Context) Result {
	started := time.Now()
	log.Info("gc: starting collection cycle")

	_, reachable, err := c.reachability(ctx)
	if err != nil {
		return Result{Err: fmt.Errorf("gc: computing reachability: %w", err), Started: started, Finished: time.Now()}
	}

	isLive := func(c cid.Cid) bool {
		_, ok := reachable[c]
		return ok
	}

	err = c.compactor.Compact(ctx, isLive)
	finished := time.Now()
	if err != nil {
		log.Warnf("gc: collection cycle failed: %s", err)
		return Result{Err: fmt.Errorf("gc: compacting: %w", err), Started: started, Finished: finished}
	}
	log.Infof("gc: collection cycle completed in %s", finished.Sub(started))
	return Result{Started: started, Finished: finished}
}
