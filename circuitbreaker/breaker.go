// Package circuitbreaker implements the gateway's per-provider circuit
// breaker: closed → open → half-open, with a persistable snapshot. The
// registry holds one breaker instance per provider and emits snapshots
// for the buffered persistence writer on every state transition.
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aio-labs/cligateway/clock"
)

// State is the breaker's state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures every breaker instance in the registry.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 2 * time.Minute}
}

// Snapshot is the persistable view of one provider's breaker state,
// matching store.CircuitSnapshot's shape.
type Snapshot struct {
	ProviderID   uint64
	State        State
	FailureCount int
	OpenUntil    *int64
	UpdatedAt    int64
}

// SnapshotSink receives a snapshot on every state transition or failure/
// success count change; the registry never writes to the store directly
// (that would introduce cyclic shared state between the breaker and its
// persistence layer) — it only emits through this cloneable sender-like
// interface.
type SnapshotSink interface {
	Enqueue(Snapshot)
}

type providerBreaker struct {
	mu                sync.Mutex
	state             State
	failureCount      int
	openUntil         time.Time
	halfOpenInFlight  bool
}

// Registry is the per-provider breaker collection, guarded by a single
// short-held mutex: never hold two locks at once.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	sink   SnapshotSink

	mu       sync.RWMutex
	breakers map[uint64]*providerBreaker
}

func NewRegistry(cfg Config, clk clock.Clock, sink SnapshotSink, logger *zap.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 2 * time.Minute
	}
	return &Registry{
		cfg:      cfg,
		clock:    clk,
		sink:     sink,
		logger:   logger.With(zap.String("component", "circuitbreaker")),
		breakers: make(map[uint64]*providerBreaker),
	}
}

// LoadSnapshots seeds the registry from persisted state at startup — the
// store is the source of truth on restart.
func (r *Registry) LoadSnapshots(snapshots []Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range snapshots {
		pb := &providerBreaker{state: snap.State, failureCount: snap.FailureCount}
		if snap.OpenUntil != nil {
			pb.openUntil = time.Unix(*snap.OpenUntil, 0)
		}
		r.breakers[snap.ProviderID] = pb
	}
}

func (r *Registry) get(providerID uint64) *providerBreaker {
	r.mu.RLock()
	pb, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return pb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pb, ok := r.breakers[providerID]; ok {
		return pb
	}
	pb = &providerBreaker{state: StateClosed}
	r.breakers[providerID] = pb
	return pb
}

// Allow reports whether the breaker for providerID currently permits a
// request, promoting Open→HalfOpen in place when the cooldown has elapsed.
func (r *Registry) Allow(providerID uint64) (allowed bool, state State, openUntil time.Time) {
	pb := r.get(providerID)
	now := r.clock.Now()

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case StateClosed:
		return true, StateClosed, time.Time{}

	case StateOpen:
		if now.Before(pb.openUntil) {
			return false, StateOpen, pb.openUntil
		}
		pb.state = StateHalfOpen
		pb.halfOpenInFlight = false
		r.logger.Info("breaker half-open", zap.Uint64("provider_id", providerID))
		fallthrough

	case StateHalfOpen:
		if pb.halfOpenInFlight {
			return false, StateHalfOpen, pb.openUntil
		}
		pb.halfOpenInFlight = true
		return true, StateHalfOpen, pb.openUntil
	}
	return false, pb.state, pb.openUntil
}

// Peek reports whether providerID currently looks healthy, without mutating
// state or consuming the half-open single-probe slot. Used by selection
// (provider.BreakerAllower) to decide whether a sticky binding is still
// worth keeping; the failover loop still calls Allow for the real gate.
func (r *Registry) Peek(providerID uint64) bool {
	pb := r.get(providerID)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if pb.state == StateOpen && r.clock.Now().Before(pb.openUntil) {
		return false
	}
	return true
}

// RecordSuccess resets the breaker to Closed with a zero failure count.
func (r *Registry) RecordSuccess(providerID uint64) {
	pb := r.get(providerID)
	pb.mu.Lock()
	before := pb.state
	pb.state = StateClosed
	pb.failureCount = 0
	pb.halfOpenInFlight = false
	pb.mu.Unlock()

	if before != StateClosed {
		r.logger.Info("breaker closed", zap.Uint64("provider_id", providerID), zap.String("from", before.String()))
	}
	r.emit(providerID, pb)
}

// RecordFailure increments the failure count, opening the breaker at the
// configured threshold (or immediately re-opening from half-open).
func (r *Registry) RecordFailure(providerID uint64) {
	pb := r.get(providerID)
	now := r.clock.Now()

	pb.mu.Lock()
	pb.halfOpenInFlight = false
	switch pb.state {
	case StateHalfOpen:
		pb.state = StateOpen
		pb.openUntil = now.Add(r.cfg.OpenDuration)
		r.logger.Warn("breaker re-opened from half-open", zap.Uint64("provider_id", providerID))
	default:
		pb.failureCount++
		if pb.failureCount >= r.cfg.FailureThreshold {
			pb.state = StateOpen
			pb.openUntil = now.Add(r.cfg.OpenDuration)
			r.logger.Warn("breaker opened", zap.Uint64("provider_id", providerID), zap.Int("failure_count", pb.failureCount))
		}
	}
	pb.mu.Unlock()

	r.emit(providerID, pb)
}

// Reset forces Closed and clears the in-memory failure count; callers are
// responsible for clearing the persisted row via the store.
func (r *Registry) Reset(providerID uint64) {
	pb := r.get(providerID)
	pb.mu.Lock()
	pb.state = StateClosed
	pb.failureCount = 0
	pb.halfOpenInFlight = false
	pb.mu.Unlock()
	r.emit(providerID, pb)
}

func (r *Registry) emit(providerID uint64, pb *providerBreaker) {
	if r.sink == nil {
		return
	}
	pb.mu.Lock()
	snap := Snapshot{
		ProviderID:   providerID,
		State:        pb.state,
		FailureCount: pb.failureCount,
		UpdatedAt:    r.clock.Now().Unix(),
	}
	if !pb.openUntil.IsZero() {
		ts := pb.openUntil.Unix()
		snap.OpenUntil = &ts
	}
	pb.mu.Unlock()
	r.sink.Enqueue(snap)
}
