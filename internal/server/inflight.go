package server

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// inflight refuses a second purchase for a buyer while one is still running.
// The allowance is a single counter per buyer and sale contract and approve
// overwrites it, so purchases for different assets must not overlap either.
type inflight struct {
	mu      sync.Mutex
	running map[common.Address]struct{}
}

func newInflight() *inflight {
	return &inflight{running: make(map[common.Address]struct{})}
}

func (f *inflight) acquire(buyer common.Address) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.running[buyer]; busy {
		return nil, false
	}
	f.running[buyer] = struct{}{}
	return func() {
		f.mu.Lock()
		delete(f.running, buyer)
		f.mu.Unlock()
	}, true
}

func (f *inflight) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}
