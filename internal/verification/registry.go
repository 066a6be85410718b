package verification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotVerified is returned by Require for addresses without a successful check.
var ErrNotVerified = errors.New("identity not verified")

// Outcome is one verification result reported by the identity provider.
type Outcome struct {
	Address  common.Address
	Verified bool
	At       time.Time
}

// Checker answers whether an address has passed identity verification.
type Checker interface {
	IsVerified(ctx context.Context, addr common.Address) (bool, error)
}

// Recorder stores outcomes delivered by the provider's callback.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome) error
}

// Registry both records and answers. Lookup reports whether any outcome was
// recorded for addr, so a recorded failure can be told apart from no record.
type Registry interface {
	Checker
	Recorder
	Lookup(ctx context.Context, addr common.Address) (Outcome, bool, error)
}

// Require gates a purchase on a positive verification outcome.
func Require(ctx context.Context, c Checker, addr common.Address) error {
	ok, err := c.IsVerified(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotVerified
	}
	return nil
}

// MemoryRegistry is mostly for testing and dev mode.
type MemoryRegistry struct {
	mu       sync.RWMutex
	outcomes map[common.Address]Outcome
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{outcomes: make(map[common.Address]Outcome)}
}

func (m *MemoryRegistry) IsVerified(_ context.Context, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcomes[addr].Verified, nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, addr common.Address) (Outcome, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[addr]
	return o, ok, nil
}

// Record keeps the latest outcome per address; a later failure revokes an
// earlier success.
func (m *MemoryRegistry) Record(_ context.Context, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.outcomes[outcome.Address]; ok && prev.At.After(outcome.At) {
		return nil
	}
	m.outcomes[outcome.Address] = outcome
	return nil
}

// WithFallback answers from local when it holds an outcome for the address,
// verified or revoked, and asks remote only when it holds none. Callback
// outcomes are recorded locally.
func WithFallback(local Registry, remote Checker) Registry {
	return fallback{local: local, remote: remote}
}

type fallback struct {
	local  Registry
	remote Checker
}

func (f fallback) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	outcome, found, err := f.local.Lookup(ctx, addr)
	if err != nil {
		return false, err
	}
	if found {
		return outcome.Verified, nil
	}
	return f.remote.IsVerified(ctx, addr)
}

func (f fallback) Lookup(ctx context.Context, addr common.Address) (Outcome, bool, error) {
	return f.local.Lookup(ctx, addr)
}

func (f fallback) Record(ctx context.Context, outcome Outcome) error {
	return f.local.Record(ctx, outcome)
}
