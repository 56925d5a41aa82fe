package blockstore

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// memory is a Blockstore backed by a go-datastore, the same abstraction
// go-ipfs-blockstore itself wraps. It is used for genesis bootstrap and
// for tests that don't need durability.
type memory struct {
	mu sync.RWMutex
	ds ds.Datastore
}

var (
	_ Blockstore = (*memory)(nil)
	_ Viewer     = (*memory)(nil)
)

// NewMemory returns a Blockstore over an in-process go-datastore.MapDatastore.
func NewMemory() Blockstore {
	return &memory{ds: ds.NewMapDatastore()}
}

func dsKey(c cid.Cid) ds.Key {
	return ds.NewKey("/blocks/" + c.String())
}

func (m *memory) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.ds.Get(ctx, dsKey(c))
	if err != nil {
		return nil, ErrNotFound
	}
	return blocks.NewBlockWithCid(v, c)
}

func (m *memory) View(ctx context.Context, c cid.Cid, fn func([]byte) error) error {
	m.mu.RLock()
	v, err := m.ds.Get(ctx, dsKey(c))
	m.mu.RUnlock()
	if err != nil {
		return ErrNotFound
	}
	return fn(v)
}

func (m *memory) Put(ctx context.Context, b blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ds.Put(ctx, dsKey(b.Cid()), b.RawData())
}

func (m *memory) PutMany(ctx context.Context, bs []blocks.Block) error {
	for _, b := range bs {
		if err := m.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (m *memory) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ds.Has(ctx, dsKey(c))
}

func (m *memory) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.ds.GetSize(ctx, dsKey(c))
	if err != nil {
		return -1, ErrNotFound
	}
	return n, nil
}

func (m *memory) DeleteBlock(ctx context.Context, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ds.Delete(ctx, dsKey(c))
}

func (m *memory) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, err := m.ds.Query(ctx, dsq.Query{Prefix: "/blocks", KeysOnly: true})
	if err != nil {
		return nil, err
	}
	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		defer res.Close()
		for entry := range res.Next() {
			if entry.Error != nil {
				continue
			}
			c, err := cid.Decode(entry.Key[len("/blocks/"):])
			if err != nil {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
