// Package blockstore defines the content-addressed block storage contract
// used by every other package in this module, plus an in-memory backend
// for tests and genesis bootstrap and a persistent generational backend
// (see the segment subpackage).
package blockstore

import (
	"context"
	"errors"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// ErrNotFound is returned by Get and View when the requested block is
// absent.
var ErrNotFound = errors.New("blockstore: block not found")

// Blockstore is the minimal content-addressed store every backend
// implements, mirroring github.com/ipfs/go-ipfs-blockstore's Blockstore
// interface (Get/Put/Has/DeleteBlock/GetSize/AllKeysChan/PutMany).
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Put(ctx context.Context, b blocks.Block) error
	PutMany(ctx context.Context, bs []blocks.Block) error
	Has(ctx context.Context, c cid.Cid) (bool, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
	DeleteBlock(ctx context.Context, c cid.Cid) error
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
}

// Viewer provides zero-copy access to a block's bytes, mirroring
// lotus's blockstore.Viewer extension over the base interface. Backends
// that can memory-map or slice into an existing buffer should implement
// this; callers must not retain or mutate the slice past fn's return.
type Viewer interface {
	View(ctx context.Context, c cid.Cid, fn func([]byte) error) error
}

// ViewOrGet uses bs's Viewer if it implements one (zero-copy), otherwise
// falls back to a regular Get, exactly as go-ipld-cbor's
// BasicIpldStore.Get picks between its Viewer and Blocks fields.
func ViewOrGet(ctx context.Context, bs Blockstore, c cid.Cid, fn func([]byte) error) error {
	if v, ok := bs.(Viewer); ok {
		return v.View(ctx, c, fn)
	}
	blk, err := bs.Get(ctx, c)
	if err != nil {
		return err
	}
	return fn(blk.RawData())
}
