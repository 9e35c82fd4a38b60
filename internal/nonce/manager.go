// Package nonce issues transaction nonces for one wallet within one
// process. Issue order is serialized; the cached value refreshes from the
// chain on staleness, unset state or outstanding pending transactions, and a
// reservation commits or rolls back around each submission.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/resofield/jamnet/pkg/logger"
)

const (
	refreshStaleness = 60 * time.Second
	refreshAttempts  = 5
	contentionWait   = 200 * time.Millisecond
)

// ErrBusy reports that another caller holds the issue lock.
var ErrBusy = errors.New("nonce manager busy")

// ChainReader supplies the pending transaction count.
type ChainReader interface {
	TransactionCount(ctx context.Context, addr common.Address) (uint64, error)
}

// Manager issues sequential nonces for one wallet.
type Manager struct {
	client ChainReader
	addr   common.Address
	log    *logger.Logger

	mu          sync.Mutex
	busy        bool
	nonce       uint64
	set         bool
	lastRefresh time.Time
	pending     map[common.Hash]struct{}
}

// NewManager creates a manager for the given wallet address.
func NewManager(client ChainReader, addr common.Address, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("nonce")
	}
	return &Manager{
		client:  client,
		addr:    addr,
		log:     log,
		pending: make(map[common.Hash]struct{}),
	}
}

// Reservation is one issued nonce awaiting commit or rollback.
type Reservation struct {
	m     *Manager
	value uint64
	done  bool
}

// Value returns the reserved nonce.
func (r *Reservation) Value() uint64 { return r.value }

// Commit advances the cached nonce past the reservation. Call after a
// successful broadcast.
func (r *Reservation) Commit() {
	if r.done {
		return
	}
	r.done = true
	r.m.mu.Lock()
	if r.m.set && r.value >= r.m.nonce {
		r.m.nonce = r.value + 1
	}
	r.m.busy = false
	r.m.mu.Unlock()
}

// Rollback releases the reservation without advancing. The next Reserve
// reissues the same value unless a refresh intervenes.
func (r *Reservation) Rollback() {
	if r.done {
		return
	}
	r.done = true
	r.m.mu.Lock()
	r.m.busy = false
	r.m.mu.Unlock()
}

// Reserve acquires the issue lock and returns the next nonce. Contending
// callers wait briefly and retry until the context expires.
func (m *Manager) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		m.mu.Lock()
		if !m.busy {
			m.busy = true
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		t := time.NewTimer(contentionWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	value, err := m.current(ctx)
	if err != nil {
		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
		return nil, err
	}
	return &Reservation{m: m, value: value}, nil
}

// current returns the cached nonce, refreshing from the chain when the cache
// is unset, stale, or pending transactions are outstanding.
func (m *Manager) current(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	needsRefresh := !m.set ||
		time.Since(m.lastRefresh) > refreshStaleness ||
		len(m.pending) > 0
	cached := m.nonce
	m.mu.Unlock()

	if !needsRefresh {
		return cached, nil
	}
	return m.refresh(ctx)
}

// refresh fetches the pending count with bounded retries. A fetched value
// below the cached nonce is a regression (lagging endpoint) and retried.
func (m *Manager) refresh(ctx context.Context) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			d := 2 * time.Second << uint(attempt-1)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			case <-t.C:
			}
		}

		fetched, err := m.client.TransactionCount(ctx, m.addr)
		if err != nil {
			lastErr = err
			continue
		}

		m.mu.Lock()
		if m.set && fetched < m.nonce {
			cached := m.nonce
			m.mu.Unlock()
			lastErr = fmt.Errorf("nonce regression: chain %d below cached %d", fetched, cached)
			continue
		}
		m.nonce = fetched
		m.set = true
		m.lastRefresh = time.Now()
		m.mu.Unlock()
		return fetched, nil
	}
	return 0, fmt.Errorf("nonce refresh failed after %d attempts: %w", refreshAttempts, lastErr)
}

// AddPending tracks a broadcast transaction; its presence forces a refresh
// on the next reserve.
func (m *Manager) AddPending(hash common.Hash) {
	m.mu.Lock()
	m.pending[hash] = struct{}{}
	m.mu.Unlock()
}

// RemovePending drops a confirmed or abandoned transaction.
func (m *Manager) RemovePending(hash common.Hash) {
	m.mu.Lock()
	delete(m.pending, hash)
	m.mu.Unlock()
}

// Reset clears all cached state after a catastrophic error.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.set = false
	m.nonce = 0
	m.lastRefresh = time.Time{}
	m.pending = make(map[common.Hash]struct{})
	m.mu.Unlock()
	m.log.Warn("nonce state reset")
}
