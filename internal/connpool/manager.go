package connpool

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/pressure"
	"github.com/calgate/calgate/pkg/errors"
)

// Factory creates the HTTP client backing one pooled connection.
type Factory func(host string) (*http.Client, error)

type contextKey string

const ownerKey contextKey = "connpool.owner"

// WithOwner labels connections acquired with the returned context, so a
// leaked lease can be traced back to its holder.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

// Config configures the connection pool manager.
type Config struct {
	// MaxPerHost caps live connections per origin host.
	MaxPerHost int

	// EmergencyMaxPerHost is the cap applied under critical memory pressure.
	EmergencyMaxPerHost int

	// IdleTimeout closes connections idle longer than this.
	IdleTimeout time.Duration

	// LeaseTimeout force-reclaims leases held longer than this.
	LeaseTimeout time.Duration

	// ReapInterval is how often the reaper scans the pools.
	ReapInterval time.Duration

	// AcquireTimeout bounds the wait for a connection when the caller's
	// context carries no deadline.
	AcquireTimeout time.Duration

	// RequestTimeout is the per-request timeout for clients built by the
	// default factory.
	RequestTimeout time.Duration

	// Factory overrides connection creation. Nil selects the default
	// HTTP client factory.
	Factory Factory

	// Breakers supplies the per-host circuit breakers. Nil creates a
	// manager with default breaker settings.
	Breakers *circuit.Manager

	// Logger for pool events. Nil selects slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for the pool manager.
func DefaultConfig() Config {
	return Config{
		MaxPerHost:          4,
		EmergencyMaxPerHost: 1,
		IdleTimeout:         90 * time.Second,
		LeaseTimeout:        30 * time.Second,
		ReapInterval:        10 * time.Second,
		AcquireTimeout:      5 * time.Second,
		RequestTimeout:      10 * time.Second,
	}
}

// Manager owns the per-host pools. Acquire admits through the host's circuit
// breaker, so an open breaker fails fast without consuming pool capacity.
type Manager struct {
	config   Config
	logger   *slog.Logger
	breakers *circuit.Manager

	// maxPerHost is the effective cap, shrunk under memory pressure.
	maxPerHost atomic.Int32

	mu     sync.RWMutex
	hosts  map[string]*hostPool
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	active   int32

	stats struct {
		acquires  atomic.Int64
		reuses    atomic.Int64
		created   atomic.Int64
		destroyed atomic.Int64
		timeouts  atomic.Int64
		leaks     atomic.Int64
		rejects   atomic.Int64
	}
}

// NewManager creates a connection pool manager. Zero config fields are
// replaced with defaults.
func NewManager(config Config) *Manager {
	def := DefaultConfig()
	if config.MaxPerHost <= 0 {
		config.MaxPerHost = def.MaxPerHost
	}
	if config.EmergencyMaxPerHost <= 0 {
		config.EmergencyMaxPerHost = def.EmergencyMaxPerHost
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = def.LeaseTimeout
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = def.ReapInterval
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = def.AcquireTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.Factory == nil {
		config.Factory = defaultFactory(config.RequestTimeout)
	}
	if config.Breakers == nil {
		config.Breakers = circuit.NewManager(circuit.Config{})
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	m := &Manager{
		config:   config,
		logger:   config.Logger,
		breakers: config.Breakers,
		hosts:    make(map[string]*hostPool),
		stopCh:   make(chan struct{}),
	}
	m.maxPerHost.Store(int32(config.MaxPerHost))
	return m
}

// defaultFactory builds one HTTP client per pooled connection. The transport
// keeps a single idle socket so the pool's count is the socket count.
func defaultFactory(requestTimeout time.Duration) Factory {
	return func(host string) (*http.Client, error) {
		transport := &http.Transport{
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			MaxConnsPerHost:     1,
			IdleConnTimeout:     90 * time.Second,
		}
		return &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		}, nil
	}
}

// Start launches the background reaper.
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.active, 0, 1) {
		return fmt.Errorf("connection pool manager already running")
	}

	m.wg.Add(1)
	go m.reapLoop(ctx)

	return nil
}

// Acquire leases a connection to the given host, waiting in FIFO order behind
// earlier callers when the host is at capacity. The wait is bounded by the
// context deadline, or by the configured acquire timeout when the context has
// none. An open circuit breaker rejects immediately.
func (m *Manager) Acquire(ctx context.Context, host string) (*PooledConn, error) {
	if m.isClosed() {
		return nil, errors.NewError(errors.ErrCodeShuttingDown, "connection pool is shut down").
			WithComponent("connpool").WithOperation("acquire")
	}

	m.stats.acquires.Add(1)

	settle, err := m.breakers.GetBreaker(host).Begin()
	if err != nil {
		m.stats.rejects.Add(1)
		return nil, errors.NewError(errors.ErrCodeCircuitOpen, "origin circuit breaker is open").
			WithComponent("connpool").WithOperation("acquire").
			WithDetail("host", host).WithCause(err)
	}

	hp := m.pool(host)
	owner := ownerFrom(ctx)
	now := time.Now()

	hp.mu.Lock()
	conn, expired := hp.popIdleLocked(now, m.config.IdleTimeout)
	if conn != nil {
		hp.leaseLocked(conn, now)
		conn.owner = owner
		conn.settle = settle
		hp.mu.Unlock()
		m.closeConns(expired)
		m.stats.reuses.Add(1)
		return conn, nil
	}

	capacity := int(m.maxPerHost.Load())
	if hp.total < capacity {
		hp.total++ // reserve before creating outside the lock
		hp.mu.Unlock()
		m.closeConns(expired)
		return m.createConn(hp, owner, settle)
	}

	w := &waiter{grant: make(chan *PooledConn, 1)}
	elem := hp.enqueueWaiterLocked(w)
	hp.mu.Unlock()
	m.closeConns(expired)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.AcquireTimeout)
		defer cancel()
	}

	select {
	case granted := <-w.grant:
		if granted == nil {
			return m.createConn(hp, owner, settle)
		}
		hp.mu.Lock()
		if granted.state != StateLeased {
			// Shutdown closed the connection between grant and pickup.
			hp.mu.Unlock()
			err := errors.NewError(errors.ErrCodeShuttingDown, "connection pool is shutting down").
				WithComponent("connpool").WithOperation("acquire").WithDetail("host", host)
			settle(err)
			return nil, err
		}
		granted.owner = owner
		granted.settle = settle
		hp.mu.Unlock()
		m.stats.reuses.Add(1)
		return granted, nil

	case <-ctx.Done():
		m.abandonWait(hp, elem, w)
		m.stats.timeouts.Add(1)
		settle(ctx.Err())
		return nil, errors.NewError(errors.ErrCodeConnectionExhausted, "timed out waiting for a connection").
			WithComponent("connpool").WithOperation("acquire").
			WithDetail("host", host).WithCause(ctx.Err())

	case <-m.stopCh:
		m.abandonWait(hp, elem, w)
		err := errors.NewError(errors.ErrCodeShuttingDown, "connection pool is shutting down").
			WithComponent("connpool").WithOperation("acquire").WithDetail("host", host)
		settle(err)
		return nil, err
	}
}

// abandonWait removes a waiter from the queue and puts back anything that was
// granted concurrently with the abandonment.
func (m *Manager) abandonWait(hp *hostPool, elem *list.Element, w *waiter) {
	now := time.Now()

	hp.mu.Lock()
	hp.waiters.Remove(elem)

	var expired []*PooledConn
	select {
	case granted := <-w.grant:
		// A grant raced the abandonment; hand it on.
		if granted != nil {
			hp.putIdleLocked(granted, now)
		} else {
			hp.total--
		}
		expired = hp.grantLocked(int(m.maxPerHost.Load()), now, m.config.IdleTimeout)
	default:
	}
	hp.mu.Unlock()

	m.closeConns(expired)
}

// createConn builds a connection against capacity that was already reserved.
// On factory failure the reservation is refunded and the next waiter granted.
func (m *Manager) createConn(hp *hostPool, owner string, settle func(error)) (*PooledConn, error) {
	client, err := m.config.Factory(hp.host)
	now := time.Now()

	if err != nil {
		hp.mu.Lock()
		hp.total--
		expired := hp.grantLocked(int(m.maxPerHost.Load()), now, m.config.IdleTimeout)
		hp.mu.Unlock()
		m.closeConns(expired)
		settle(err)
		return nil, errors.NewError(errors.ErrCodeFetchFailed, "failed to establish origin connection").
			WithComponent("connpool").WithOperation("acquire").
			WithDetail("host", hp.host).WithCause(err)
	}

	hp.mu.Lock()
	conn := hp.registerLocked(client, now, owner, settle)
	hp.mu.Unlock()

	m.stats.created.Add(1)
	return conn, nil
}

// Release returns a leased connection. The operation's outcome settles the
// breaker lease taken at acquire time. A nil opErr re-idles the connection or
// hands it to the oldest waiter; a non-nil opErr discards it. Releasing a
// connection the reaper already reclaimed is a no-op.
func (m *Manager) Release(conn *PooledConn, opErr error) {
	if conn == nil {
		return
	}

	hp := m.pool(conn.host)
	now := time.Now()

	hp.mu.Lock()
	if state := conn.state; state != StateLeased {
		hp.mu.Unlock()
		if state == StateIdle {
			m.logger.Warn("release of a connection that is not leased",
				"conn_id", conn.id, "host", conn.host, "state", state.String())
		}
		return
	}

	settle := conn.settle
	conn.settle = nil

	capacity := int(m.maxPerHost.Load())
	if opErr == nil && !m.isClosed() && hp.total <= capacity {
		hp.putIdleLocked(conn, now)
		expired := hp.grantLocked(capacity, now, m.config.IdleTimeout)
		hp.mu.Unlock()
		m.closeConns(expired)
		if settle != nil {
			settle(nil)
		}
		return
	}

	hp.removeLocked(conn)
	expired := hp.grantLocked(capacity, now, m.config.IdleTimeout)
	hp.mu.Unlock()

	m.closeConns(expired)
	m.closeConns([]*PooledConn{conn})
	if settle != nil {
		settle(opErr)
	}
}

// HandlePressure shrinks the per-host cap to the emergency value at critical
// pressure and above, and restores it when pressure recedes. Suitable as a
// pressure.Observer.
func (m *Manager) HandlePressure(old, new pressure.Level) {
	if new >= pressure.LevelCritical {
		m.setCapacity(m.config.EmergencyMaxPerHost)
	} else {
		m.setCapacity(m.config.MaxPerHost)
	}
}

func (m *Manager) setCapacity(capacity int) {
	if m.maxPerHost.Swap(int32(capacity)) == int32(capacity) {
		return
	}

	m.logger.Info("connection pool capacity changed", "max_per_host", capacity)

	// Shed idle connections beyond the new cap. Leased connections drain
	// through Release, which discards while total exceeds the cap.
	now := time.Now()
	for _, hp := range m.poolSnapshot() {
		var closing []*PooledConn
		hp.mu.Lock()
		for hp.total > capacity && len(hp.idle) > 0 {
			c := hp.idle[0]
			hp.idle = hp.idle[1:]
			hp.removeLocked(c)
			closing = append(closing, c)
		}
		expired := hp.grantLocked(capacity, now, m.config.IdleTimeout)
		hp.mu.Unlock()
		m.closeConns(closing)
		m.closeConns(expired)
	}
}

// reapLoop periodically closes expired idle connections and reclaims leaked
// leases.
func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce(time.Now())
		}
	}
}

type leakedLease struct {
	conn   *PooledConn
	owner  string
	settle func(error)
	age    time.Duration
}

// reapOnce scans every host pool once. Idle connections past the idle timeout
// are closed. Leases held past the lease timeout are treated as leaks: the
// connection is force-closed and the leak counts as a breaker failure, so a
// leaking origin path trips the breaker like any other failure.
func (m *Manager) reapOnce(now time.Time) {
	capacity := int(m.maxPerHost.Load())

	for _, hp := range m.poolSnapshot() {
		var idleExpired []*PooledConn
		var leaks []leakedLease

		hp.mu.Lock()
		keep := hp.idle[:0]
		for _, c := range hp.idle {
			if now.Sub(c.lastUsed) > m.config.IdleTimeout {
				hp.removeLocked(c)
				idleExpired = append(idleExpired, c)
			} else {
				keep = append(keep, c)
			}
		}
		hp.idle = keep

		for _, c := range hp.conns {
			if c.state == StateLeased && now.Sub(c.leasedAt) > m.config.LeaseTimeout {
				leak := leakedLease{conn: c, owner: c.owner, settle: c.settle, age: now.Sub(c.leasedAt)}
				hp.removeLocked(c)
				leaks = append(leaks, leak)
			}
		}

		granted := hp.grantLocked(capacity, now, m.config.IdleTimeout)
		hp.mu.Unlock()

		m.closeConns(idleExpired)
		m.closeConns(granted)

		for _, leak := range leaks {
			m.stats.leaks.Add(1)
			m.logger.Warn("reclaiming leaked connection lease",
				"conn_id", leak.conn.id,
				"host", leak.conn.host,
				"owner", leak.owner,
				"lease_age", leak.age)

			leakErr := errors.NewError(errors.ErrCodeConnectionLeak, "connection lease exceeded timeout").
				WithComponent("connpool").WithOperation("reap").
				WithDetail("conn_id", leak.conn.id).WithDetail("host", leak.conn.host)
			if leak.settle != nil {
				leak.settle(leakErr)
			} else {
				m.breakers.GetBreaker(leak.conn.host).ReportFailure()
			}
			m.closeConns([]*PooledConn{leak.conn})
		}
	}
}

// Stats is a snapshot of pool state and counters.
type Stats struct {
	MaxPerHost     int                  `json:"max_per_host"`
	Hosts          map[string]HostStats `json:"hosts"`
	Acquires       int64                `json:"acquires"`
	Reuses         int64                `json:"reuses"`
	Created        int64                `json:"created"`
	Destroyed      int64                `json:"destroyed"`
	Timeouts       int64                `json:"timeouts"`
	Leaks          int64                `json:"leaks"`
	BreakerRejects int64                `json:"breaker_rejects"`
}

// HostStats describes one host's pool.
type HostStats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Leased  int `json:"leased"`
	Waiting int `json:"waiting"`
}

// GetStats returns a snapshot of pool state and counters.
func (m *Manager) GetStats() Stats {
	stats := Stats{
		MaxPerHost:     int(m.maxPerHost.Load()),
		Hosts:          make(map[string]HostStats),
		Acquires:       m.stats.acquires.Load(),
		Reuses:         m.stats.reuses.Load(),
		Created:        m.stats.created.Load(),
		Destroyed:      m.stats.destroyed.Load(),
		Timeouts:       m.stats.timeouts.Load(),
		Leaks:          m.stats.leaks.Load(),
		BreakerRejects: m.stats.rejects.Load(),
	}

	for host, hp := range m.poolSnapshot() {
		hp.mu.Lock()
		hs := HostStats{
			Total:   hp.total,
			Idle:    len(hp.idle),
			Waiting: hp.waiters.Len(),
		}
		hs.Leased = hs.Total - hs.Idle
		hp.mu.Unlock()
		stats.Hosts[host] = hs
	}

	return stats
}

// Shutdown closes every pool. Waiters are woken with a shutdown error and
// outstanding leases are settled as failed. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := make([]*hostPool, 0, len(m.hosts))
	for _, hp := range m.hosts {
		pools = append(pools, hp)
	}
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	atomic.StoreInt32(&m.active, 0)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	shutdownErr := errors.NewError(errors.ErrCodeShuttingDown, "connection pool is shutting down").
		WithComponent("connpool").WithOperation("shutdown")

	for _, hp := range pools {
		var closing []*PooledConn
		var settles []func(error)

		hp.mu.Lock()
		for _, c := range hp.conns {
			if c.settle != nil {
				settles = append(settles, c.settle)
			}
			c.settle = nil
			c.state = StateClosed
			closing = append(closing, c)
		}
		hp.conns = make(map[string]*PooledConn)
		hp.idle = nil
		hp.total = 0
		hp.mu.Unlock()

		m.closeConns(closing)
		for _, settle := range settles {
			settle(shutdownErr)
		}
	}

	return nil
}

// pool returns the host's pool, creating it on first use.
func (m *Manager) pool(host string) *hostPool {
	m.mu.RLock()
	hp, exists := m.hosts[host]
	m.mu.RUnlock()
	if exists {
		return hp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if hp, exists := m.hosts[host]; exists {
		return hp
	}
	hp = newHostPool(host)
	m.hosts[host] = hp
	return hp
}

func (m *Manager) poolSnapshot() map[string]*hostPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]*hostPool, len(m.hosts))
	for host, hp := range m.hosts {
		snapshot[host] = hp
	}
	return snapshot
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) closeConns(conns []*PooledConn) {
	for _, c := range conns {
		c.client.CloseIdleConnections()
		m.stats.destroyed.Add(1)
	}
}
