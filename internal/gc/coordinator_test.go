package gc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-bitfield"
	"github.com/ipfs/go-cid"
)

type fakeCompactor struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (f *fakeCompactor) Compact(ctx context.Context, isLive func(cid.Cid) bool) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func emptyReachability(ctx context.Context) (*bitfield.BitField, map[cid.Cid]struct{}, error) {
	bf := bitfield.New()
	return &bf, map[cid.Cid]struct{}{}, nil
}

func TestRequestGCRunsOnce(t *testing.T) {
	compactor := &fakeCompactor{}
	coord := New(compactor, emptyReachability, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	res, err := coord.RequestGC(context.Background())
	if err != nil {
		t.Fatalf("RequestGC: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("unexpected Result.Err: %v", res.Err)
	}
	if compactor.calls != 1 {
		t.Fatalf("expected exactly 1 compaction, got %d", compactor.calls)
	}
}

func TestConcurrentRequestsAreSerialized(t *testing.T) {
	const n = 5
	compactor := &fakeCompactor{delay: 20 * time.Millisecond}
	coord := New(compactor, emptyReachability, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.RequestGC(context.Background())
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	compactor.mu.Lock()
	defer compactor.mu.Unlock()
	if compactor.calls != n {
		t.Fatalf("expected %d compactions, got %d", n, compactor.calls)
	}
}

// TestConcurrentRequestsOnCapacityOneQueueBothSucceed exercises scenario 4
// of spec §8 directly: two callers racing a capacity-1 coordinator. The
// second caller's send to pending must block until the worker has
// dequeued the first request, not fail immediately with a busy error.
func TestConcurrentRequestsOnCapacityOneQueueBothSucceed(t *testing.T) {
	compactor := &fakeCompactor{delay: 20 * time.Millisecond}
	coord := New(compactor, emptyReachability, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	const n = 2
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.RequestGC(context.Background())
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	compactor.mu.Lock()
	defer compactor.mu.Unlock()
	if compactor.calls != n {
		t.Fatalf("expected %d compactions, got %d", n, compactor.calls)
	}
}

func TestRequestGCRespectsCancellation(t *testing.T) {
	compactor := &fakeCompactor{}
	coord := New(compactor, emptyReachability, 1)
	// Deliberately do not start Run: the request must time out waiting
	// for a worker rather than hang forever.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := coord.RequestGC(ctx)
	if err == nil {
		t.Fatal("expected a context deadline error with no worker running")
	}
}
