// Package circuit provides per-target circuit breakers. A tripped breaker
// sheds requests for a recovery period instead of letting a failing origin
// tie up pooled connections.
package circuit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrOpenState is returned when the breaker rejects an operation, either
// because it is open or because the half-open trial slot is taken.
var ErrOpenState = errors.New("circuit breaker is open")

// State is the position of a breaker in its closed/open/half-open cycle.
type State int

const (
	// StateClosed admits every operation and counts outcomes.
	StateClosed State = iota
	// StateOpen rejects every operation until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits exactly one trial operation.
	StateHalfOpen
)

var stateNames = [...]string{"CLOSED", "OPEN", "HALF_OPEN"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Config tunes a breaker. Zero values fall back to package defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open. Defaults to 5.
	FailureThreshold uint32

	// RecoveryTimeout is how long the breaker stays open before offering a
	// half-open trial. Defaults to 30s.
	RecoveryTimeout time.Duration

	// ReadyToTrip overrides the consecutive-failure trip decision.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange is invoked after a committed transition, with the
	// breaker's mutex held. It must not call back into the breaker.
	OnStateChange func(name string, from State, to State)

	// IsSuccessful classifies an operation outcome. Defaults to err == nil.
	IsSuccessful func(err error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.ReadyToTrip == nil {
		threshold := c.FailureThreshold
		c.ReadyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(err error) bool { return err == nil }
	}
	return c
}

// Counts is the outcome bookkeeping for one breaker generation.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) admit() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) succeed() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) fail() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker isolates one failing target. Transitions commit under a
// single mutex, and every committed transition starts a new generation so
// outcomes from before the transition cannot be credited to the new state.
type CircuitBreaker struct {
	name   string
	config Config

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	retryAt    time.Time
	openedAt   time.Time
}

// NewCircuitBreaker builds a closed breaker for the named target.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config.withDefaults(),
	}
}

// Begin asks the breaker to admit one operation. On admission it returns a
// done function that must be called exactly once with the operation's
// outcome; a result reported after an intervening state change is discarded.
// When the breaker is open, or half-open with its trial already in flight,
// Begin returns ErrOpenState and no done function.
func (cb *CircuitBreaker) Begin() (func(error), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateNow(time.Now()) {
	case StateOpen:
		return nil, ErrOpenState
	case StateHalfOpen:
		if cb.counts.Requests > 0 {
			// The trial slot is taken; everyone else waits out the trial.
			return nil, ErrOpenState
		}
	}

	gen := cb.generation
	cb.counts.admit()

	var once sync.Once
	done := func(err error) {
		once.Do(func() { cb.settle(gen, err) })
	}
	return done, nil
}

// Execute runs fn under breaker admission and reports its outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Begin()
	if err != nil {
		return err
	}

	err = fn()
	done(err)
	return err
}

// ReportFailure records a failure observed outside an admission cycle, such
// as a reclaimed connection leak. In the closed state it counts toward the
// trip threshold; in half-open it fails the trial and reopens the breaker.
func (cb *CircuitBreaker) ReportFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if cb.stateNow(now) != StateOpen {
		cb.failLocked(now)
	}
}

// settle books an admitted operation's outcome. A generation mismatch means
// the state machine moved on while the operation ran, so the result is
// dropped rather than credited to the wrong state.
func (cb *CircuitBreaker) settle(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}

	// Admission never happens while open, so an intact generation leaves the
	// state closed or half-open with no pending timeout flip to apply.
	now := time.Now()
	if cb.config.IsSuccessful(err) {
		cb.counts.succeed()
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed, now)
		}
		return
	}
	cb.failLocked(now)
}

// failLocked counts a failure and trips or reopens as the state demands.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) failLocked(now time.Time) {
	cb.counts.fail()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen, now)
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.transition(StateOpen, now)
		}
	}
}

// stateNow returns the state as of now, moving an expired open breaker into
// half-open first. Callers must hold cb.mu.
func (cb *CircuitBreaker) stateNow(now time.Time) State {
	if cb.state == StateOpen && now.After(cb.retryAt) {
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

// transition commits a state change, starting a new generation and clearing
// the counts. Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if to == cb.state {
		return
	}
	from := cb.state

	cb.state = to
	cb.generation++
	cb.counts = Counts{}

	switch to {
	case StateOpen:
		cb.openedAt = now
		cb.retryAt = now.Add(cb.config.RecoveryTimeout)
	case StateHalfOpen:
		cb.retryAt = time.Time{}
	case StateClosed:
		cb.openedAt = time.Time{}
		cb.retryAt = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// GetState reports the state as of the call, honoring recovery expiry.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.stateNow(time.Now())
}

// GetCounts returns the bookkeeping of the current generation.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Reset forces the breaker closed and discards in-flight outcomes.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateClosed {
		// Already closed: clear the slate and orphan anything admitted.
		cb.counts = Counts{}
		cb.generation++
		return
	}
	cb.transition(StateClosed, time.Now())
}

// Name reports which target this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// snapshot captures the breaker's externally visible state in one lock hold.
func (cb *CircuitBreaker) snapshot() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:     cb.name,
		State:    cb.stateNow(time.Now()),
		Counts:   cb.counts,
		OpenedAt: cb.openedAt,
	}
}

// CircuitBreakerStats is one breaker's externally visible state.
type CircuitBreakerStats struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Counts   Counts    `json:"counts"`
	OpenedAt time.Time `json:"opened_at"`
}

// Manager hands out one breaker per target, all sharing one Config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager builds an empty Manager.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns the breaker for target, creating it on first use.
func (m *Manager) GetBreaker(target string) *CircuitBreaker {
	m.mu.RLock()
	cb := m.breakers[target]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb := m.breakers[target]; cb != nil {
		// Lost the race to another caller.
		return cb
	}
	cb = NewCircuitBreaker(target, m.config)
	m.breakers[target] = cb
	return cb
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	for _, cb := range m.snapshotRefs() {
		cb.Reset()
	}
}

// GetStats reports per-target breaker statistics keyed by target name.
func (m *Manager) GetStats() map[string]CircuitBreakerStats {
	refs := m.snapshotRefs()

	stats := make(map[string]CircuitBreakerStats, len(refs))
	for _, cb := range refs {
		stats[cb.name] = cb.snapshot()
	}
	return stats
}

// snapshotRefs copies the breaker set so callers iterate without m.mu held.
func (m *Manager) snapshotRefs() []*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refs := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		refs = append(refs, cb)
	}
	return refs
}

// HealthCheck fails when any breaker is open, naming the affected targets.
func (m *Manager) HealthCheck() error {
	var open []string
	for target, stat := range m.GetStats() {
		if stat.State == StateOpen {
			open = append(open, target)
		}
	}
	if len(open) == 0 {
		return nil
	}
	sort.Strings(open)
	return fmt.Errorf("%d circuit breaker(s) open: %s", len(open), strings.Join(open, ", "))
}
