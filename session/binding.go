// Package session maps a (cli_family, session_id) key to a sticky
// provider binding with a TTL. Session bindings are process-local and
// lost on restart.
package session

import (
	"sync"
	"time"

	"github.com/aio-labs/cligateway/clock"
)

const ttl = 300 * time.Second

// Binding is the frozen state for one session.
type Binding struct {
	StickyProviderID *uint64
	ProviderOrder    []uint64 // frozen snapshot of candidate provider IDs
	SortModeID       *uint64
	expiresAt        time.Time
}

// Key identifies a session binding.
type Key struct {
	CLIFamily string
	SessionID string
}

// Manager is the process-wide session-binding map, guarded by one mutex.
type Manager struct {
	clock clock.Clock

	mu       sync.Mutex
	bindings map[Key]*Binding
}

func NewManager(clk clock.Clock) *Manager {
	return &Manager{clock: clk, bindings: make(map[Key]*Binding)}
}

// Get returns the binding for key if present and unexpired.
func (m *Manager) Get(key Key) (*Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[key]
	if !ok {
		return nil, false
	}
	if m.clock.Now().After(b.expiresAt) {
		delete(m.bindings, key)
		return nil, false
	}
	cp := *b
	return &cp, true
}

// Freeze records the candidate provider order and sort mode on first touch,
// returning the (possibly pre-existing) frozen order. It does not set a
// sticky provider.
func (m *Manager) Freeze(key Key, order []uint64, sortModeID *uint64) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[key]; ok && m.clock.Now().Before(b.expiresAt) {
		b.expiresAt = m.clock.Now().Add(ttl)
		return b.ProviderOrder
	}

	frozen := make([]uint64, len(order))
	copy(frozen, order)
	m.bindings[key] = &Binding{
		ProviderOrder: frozen,
		SortModeID:    sortModeID,
		expiresAt:     m.clock.Now().Add(ttl),
	}
	return frozen
}

// BindSuccess rebinds the session to providerID after a successful upstream
// response, resetting the TTL.
func (m *Manager) BindSuccess(key Key, providerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[key]
	if !ok {
		b = &Binding{}
		m.bindings[key] = b
	}
	b.StickyProviderID = &providerID
	b.expiresAt = m.clock.Now().Add(ttl)
}

// Clear drops a stale binding (e.g. the sticky provider is no longer a
// candidate and no frozen order survives it).
func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, key)
}

// ReuseEligible reports whether sticky re-use should even be attempted: the
// request body suggests continuation (more than one prior message) and the
// endpoint is not "count tokens".
func ReuseEligible(messageCount int, isCountTokens bool) bool {
	return !isCountTokens && messageCount > 1
}
