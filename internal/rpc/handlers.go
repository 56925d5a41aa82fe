// Package rpc exposes the node's external JSON-RPC surface: db_gc (DbGc)
// plus a ChainHead liveness query. Everything else (wallet, request
// routing ergonomics, peer discovery) is out of scope; see DESIGN.md. The
// handler is deliberately thin — DbGc does nothing but rendezvous with the
// gc.Coordinator, the same shape forest's db_api.rs handler has around its
// flume reply channel, and ChainHead only reads the chain store's head.
package rpc

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/ipfs/go-cid"

	"corechain/internal/chainstore"
	"corechain/internal/errs"
	"corechain/internal/gc"
	"corechain/internal/logging"
)

var log = logging.Logger("corechain/rpc")

// GCResult is the wire shape of a completed db_gc call: forest's own
// handler returns nothing but an error, but a started/finished pair costs
// nothing extra over the wire and lets an operator confirm a cycle ran
// rather than reading it off from a log line.
type GCResult struct {
	StartedUnixNano  int64
	FinishedUnixNano int64
}

// ChainHeadResult is the wire shape of a ChainHead call: the head
// tipset's block CIDs and height, enough for a caller to confirm liveness
// without pulling the whole header set.
type ChainHeadResult struct {
	Cids   []cid.Cid
	Height int64
}

// Handler is the JSON-RPC method table registered under the "Filecoin"
// namespace, the same Filecoin.* method-set shape lotus's api.FullNode
// exposes.
type Handler struct {
	gc    *gc.Coordinator
	store *chainstore.Store
}

// NewHandler builds the method table. store may be nil in configurations
// that only need db_gc (e.g. a standalone GC worker process).
func NewHandler(coordinator *gc.Coordinator, store *chainstore.Store) *Handler {
	return &Handler{gc: coordinator, store: store}
}

// DbGc runs one garbage collection cycle, blocking until it completes or
// ctx is canceled. Concurrent callers rendezvous on the same coordinator,
// so at most one collection runs at a time regardless of how many RPC
// clients call this concurrently.
func (h *Handler) DbGc(ctx context.Context) (GCResult, error) {
	res, err := h.gc.RequestGC(ctx)
	if err != nil {
		return GCResult{}, errs.Wrap(errs.Transient, "rpc.DbGc", err)
	}
	return GCResult{
		StartedUnixNano:  res.Started.UnixNano(),
		FinishedUnixNano: res.Finished.UnixNano(),
	}, nil
}

// ChainHead reports the node's current chain head.
func (h *Handler) ChainHead(_ context.Context) (ChainHeadResult, error) {
	head := h.store.Head()
	if head == nil {
		return ChainHeadResult{}, errs.Wrap(errs.Transient, "rpc.ChainHead", fmt.Errorf("no chain head set"))
	}
	return ChainHeadResult{Cids: head.Key().Cids(), Height: int64(head.Height())}, nil
}

// NewServer builds a go-jsonrpc server with the Filecoin method namespace
// registered, ready to be mounted on an http.ServeMux by the caller (the
// node daemon owns the listener and its shutdown lifecycle, not this
// package).
func NewServer(h *Handler) *jsonrpc.RPCServer {
	server := jsonrpc.NewServer()
	server.Register("Filecoin", h)
	return server
}
