package sync

import (
	"sync"

	"corechain/internal/chain"
)

// badTipSetCache remembers tipsets that failed validation so a peer can't
// force repeated re-validation of the same bad chain by re-announcing it.
type badTipSetCache struct {
	mu  sync.Mutex
	bad map[string]struct{}
}

func newBadTipSetCache() *badTipSetCache {
	return &badTipSetCache{bad: make(map[string]struct{})}
}

func (c *badTipSetCache) Has(key chain.TipSetKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bad[key.String()]
	return ok
}

func (c *badTipSetCache) Add(key chain.TipSetKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad[key.String()] = struct{}{}
}

// AddChain marks every tipset in a collected candidate chain as bad. Used
// when a tipset partway through the chain fails validation: the whole
// unvalidated suffix back to it is equally untrustworthy.
func (c *badTipSetCache) AddChain(tss []*chain.TipSet) {
	for _, ts := range tss {
		c.Add(ts.Key())
	}
}
