// Package txmanager tracks the transactions an agent believes it has
// struck but the controller has not yet confirmed, and reconciles them
// against confirmations, errors and timeouts.
package txmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/market-arena/market-arena/internal/game"
)

var (
	// ErrDuplicateLock signals a transaction id that is already locked.
	ErrDuplicateLock = errors.New("transaction already locked")
	// ErrUnknownTransaction signals a confirmation for a transaction this
	// agent does not hold; the caller must resync its state.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

type lockedTx struct {
	tx       game.Transaction
	lockedAt time.Time
}

// Manager is the agent-local pending-transaction book. A transaction id is
// locked at most once and leaves the book exactly one way: confirmed or
// evicted.
type Manager struct {
	mu     sync.Mutex
	locked map[string]lockedTx
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an empty manager.
func New(logger zerolog.Logger) *Manager {
	return &Manager{
		locked: make(map[string]lockedTx),
		now:    time.Now,
		logger: logger.With().Str("service", "txmanager").Logger(),
	}
}

// WithClock overrides the clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// Lock registers a transaction as pending confirmation.
func (m *Manager) Lock(tx game.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locked[tx.ID]; exists {
		return ErrDuplicateLock
	}
	m.locked[tx.ID] = lockedTx{tx: tx.Clone(), lockedAt: m.now()}
	return nil
}

// Confirm removes a locked transaction and returns it. An unknown id means
// the local view has diverged from the controller's.
func (m *Manager) Confirm(transactionID string) (game.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, exists := m.locked[transactionID]
	if !exists {
		return game.Transaction{}, ErrUnknownTransaction
	}
	delete(m.locked, transactionID)
	return entry.tx, nil
}

// Evict drops a locked transaction without confirming it. Idempotent; used
// when the controller reports a validation error for the id.
func (m *Manager) Evict(transactionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locked, transactionID)
}

// Pending reports whether a transaction id is currently locked.
func (m *Manager) Pending(transactionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.locked[transactionID]
	return exists
}

// PendingCount returns the number of locked transactions.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locked)
}

// Reset drops every locked transaction. Used after a full state resync:
// anything unconfirmed at that point is treated as failed.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = make(map[string]lockedTx)
}

// CleanupPending evicts every locked transaction older than maxAge and
// returns the evicted ids in deterministic order. Eviction reserves were
// never applied locally, so no resources change hands here.
func (m *Manager) CleanupPending(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-maxAge)
	evicted := make([]string, 0)
	for id, entry := range m.locked {
		if entry.lockedAt.Before(cutoff) || entry.lockedAt.Equal(cutoff) {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		delete(m.locked, id)
		m.logger.Debug().Str("transaction_id", id).Msg("evicted expired pending transaction")
	}
	return evicted
}
