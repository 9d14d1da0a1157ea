package connpool

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/calgate/calgate/internal/circuit"
	"github.com/calgate/calgate/internal/pressure"
	"github.com/calgate/calgate/pkg/errors"
)

const testHost = "calendar.example.com"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingFactory builds inert HTTP clients and tracks how many were made.
type countingFactory struct {
	mu    sync.Mutex
	count int
	fail  error
}

func (f *countingFactory) make(host string) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.count++
	return &http.Client{Transport: &http.Transport{}}, nil
}

func (f *countingFactory) made() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func newTestManager(mutate func(*Config)) (*Manager, *countingFactory) {
	factory := &countingFactory{}
	cfg := Config{
		MaxPerHost:          2,
		EmergencyMaxPerHost: 1,
		IdleTimeout:         time.Minute,
		LeaseTimeout:        time.Minute,
		ReapInterval:        time.Minute,
		AcquireTimeout:      200 * time.Millisecond,
		Factory:             factory.make,
		Breakers: circuit.NewManager(circuit.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
		}),
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg), factory
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestConnState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state ConnState
		want  string
	}{
		{StateIdle, "idle"},
		{StateLeased, "leased"},
		{StateClosed, "closed"},
		{ConnState(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestManager_AcquireCreatesUpToCap(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(nil)
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if c1.ID() == c2.ID() {
		t.Error("two live leases share a connection")
	}
	if factory.made() != 2 {
		t.Errorf("factory made %d connections, want 2", factory.made())
	}

	hs := m.GetStats().Hosts[testHost]
	if hs.Total != 2 || hs.Leased != 2 || hs.Idle != 0 {
		t.Errorf("host stats = %+v, want total 2 leased 2 idle 0", hs)
	}
}

func TestManager_AcquireReusesIdle(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(nil)
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Release(c1, nil)

	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if c1.ID() != c2.ID() {
		t.Errorf("expected idle connection reuse, got new connection %s", c2.ID())
	}
	if factory.made() != 1 {
		t.Errorf("factory made %d connections, want 1", factory.made())
	}
	if got := m.GetStats().Reuses; got != 1 {
		t.Errorf("reuse count = %d, want 1", got)
	}
}

func TestManager_OwnerLabelFollowsLease(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(nil)
	ctx := context.Background()

	c1, err := m.Acquire(WithOwner(ctx, "refresher"), testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if c1.Owner() != "refresher" {
		t.Errorf("Owner() = %q, want %q", c1.Owner(), "refresher")
	}
	m.Release(c1, nil)

	if c1.Owner() != "" {
		t.Errorf("Owner() = %q after release, want empty", c1.Owner())
	}

	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if c2.ID() != c1.ID() {
		t.Fatalf("expected idle reuse, got new connection %s", c2.ID())
	}
	if c2.Owner() != "" {
		t.Errorf("Owner() = %q for unlabeled acquire, want empty", c2.Owner())
	}
}

func TestManager_CapNeverExceeded(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(func(c *Config) { c.AcquireTimeout = 2 * time.Second })
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := m.Acquire(ctx, testHost)
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			m.Release(conn, nil)
		}()
	}
	wg.Wait()

	if made := factory.made(); made > 2 {
		t.Errorf("factory made %d connections, cap is 2", made)
	}
	hs := m.GetStats().Hosts[testHost]
	if hs.Total > 2 {
		t.Errorf("host total %d exceeds cap 2", hs.Total)
	}
}

func TestManager_ThirdCallerWaitsForRelease(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) { c.AcquireTimeout = 2 * time.Second })
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	got := make(chan *PooledConn, 1)
	go func() {
		conn, err := m.Acquire(ctx, testHost)
		if err != nil {
			t.Errorf("third Acquire failed: %v", err)
		}
		got <- conn
	}()

	waitFor(t, time.Second, func() bool {
		return m.GetStats().Hosts[testHost].Waiting == 1
	})

	select {
	case <-got:
		t.Fatal("third caller got a connection while host was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	m.Release(c1, nil)

	select {
	case conn := <-got:
		if conn.ID() != c1.ID() {
			t.Errorf("waiter got connection %s, want released %s", conn.ID(), c1.ID())
		}
		m.Release(conn, nil)
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive the released connection")
	}

	m.Release(c2, nil)
}

func TestManager_WaitersServedInArrivalOrder(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 1
		c.AcquireTimeout = 2 * time.Second
	})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	order := make(chan string, 2)
	start := func(name string) {
		go func() {
			conn, err := m.Acquire(ctx, testHost)
			if err != nil {
				t.Errorf("%s Acquire failed: %v", name, err)
				return
			}
			order <- name
			m.Release(conn, nil)
		}()
	}

	start("first")
	waitFor(t, time.Second, func() bool {
		return m.GetStats().Hosts[testHost].Waiting == 1
	})
	start("second")
	waitFor(t, time.Second, func() bool {
		return m.GetStats().Hosts[testHost].Waiting == 2
	})

	m.Release(holder, nil)

	for i, want := range []string{"first", "second"} {
		select {
		case name := <-order:
			if name != want {
				t.Errorf("grant %d went to %s, want %s", i, name, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("grant %d never arrived", i)
		}
	}
}

func TestManager_AcquireTimeout(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 1
		c.AcquireTimeout = 30 * time.Millisecond
	})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	_, err = m.Acquire(ctx, testHost)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if errors.CodeOf(err) != errors.ErrCodeConnectionExhausted {
		t.Errorf("error code = %v, want CONNECTION_EXHAUSTED", errors.CodeOf(err))
	}
	if got := m.GetStats().Timeouts; got != 1 {
		t.Errorf("timeout count = %d, want 1", got)
	}

	// The abandoned waiter must not occupy the queue.
	if waiting := m.GetStats().Hosts[testHost].Waiting; waiting != 0 {
		t.Errorf("waiting = %d after timeout, want 0", waiting)
	}

	m.Release(holder, nil)
}

func TestManager_ContextDeadlineBoundsWait(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 1
		c.AcquireTimeout = 10 * time.Second
	})

	holder, err := m.Acquire(context.Background(), testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer m.Release(holder, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	begun := time.Now()
	_, err = m.Acquire(ctx, testHost)
	if err == nil {
		t.Fatal("expected deadline error")
	}
	if waited := time.Since(begun); waited > time.Second {
		t.Errorf("Acquire waited %v, deadline was 25ms", waited)
	}
	if errors.CodeOf(err) != errors.ErrCodeConnectionExhausted {
		t.Errorf("error code = %v, want CONNECTION_EXHAUSTED", errors.CodeOf(err))
	}
}

func TestManager_OpenBreakerRejectsWithoutPoolWork(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(func(c *Config) {
		c.Breakers = circuit.NewManager(circuit.Config{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
		})
	})

	m.breakers.GetBreaker(testHost).ReportFailure()

	_, err := m.Acquire(context.Background(), testHost)
	if err == nil {
		t.Fatal("expected circuit open error")
	}
	if errors.CodeOf(err) != errors.ErrCodeCircuitOpen {
		t.Errorf("error code = %v, want CIRCUIT_OPEN", errors.CodeOf(err))
	}
	if factory.made() != 0 {
		t.Errorf("factory made %d connections behind an open breaker, want 0", factory.made())
	}
	if got := m.GetStats().BreakerRejects; got != 1 {
		t.Errorf("breaker reject count = %d, want 1", got)
	}
}

func TestManager_ReleaseWithErrorDiscards(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(nil)
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Release(c1, errors.NewError(errors.ErrCodeFetchFailed, "origin returned 502"))

	hs := m.GetStats().Hosts[testHost]
	if hs.Total != 0 || hs.Idle != 0 {
		t.Errorf("host stats after failed release = %+v, want empty pool", hs)
	}

	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire after discard failed: %v", err)
	}
	if c1.ID() == c2.ID() {
		t.Error("discarded connection was reused")
	}
	if factory.made() != 2 {
		t.Errorf("factory made %d connections, want 2", factory.made())
	}

	counts := m.breakers.GetBreaker(testHost).GetCounts()
	if counts.TotalFailures != 1 {
		t.Errorf("breaker failures = %d, want 1", counts.TotalFailures)
	}
}

func TestManager_ReapClosesExpiredIdle(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(func(c *Config) { c.IdleTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	conn, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Release(conn, nil)

	m.reapOnce(time.Now().Add(30 * time.Millisecond))

	hs := m.GetStats().Hosts[testHost]
	if hs.Total != 0 || hs.Idle != 0 {
		t.Errorf("host stats after reap = %+v, want empty pool", hs)
	}

	fresh, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire after reap failed: %v", err)
	}
	if fresh.ID() == conn.ID() {
		t.Error("reaped connection was handed out again")
	}
	if factory.made() != 2 {
		t.Errorf("factory made %d connections, want 2", factory.made())
	}
}

func TestManager_ReapReclaimsLeakedLease(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) { c.LeaseTimeout = 20 * time.Millisecond })
	ctx := context.Background()

	leaked, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.reapOnce(time.Now().Add(30 * time.Millisecond))

	if got := m.GetStats().Leaks; got != 1 {
		t.Errorf("leak count = %d, want 1", got)
	}
	hs := m.GetStats().Hosts[testHost]
	if hs.Total != 0 {
		t.Errorf("host total = %d after leak reclaim, want 0", hs.Total)
	}

	// The leak counts as a breaker failure.
	counts := m.breakers.GetBreaker(testHost).GetCounts()
	if counts.TotalFailures != 1 {
		t.Errorf("breaker failures = %d, want 1", counts.TotalFailures)
	}

	// A late release of the reclaimed lease is a harmless no-op.
	m.Release(leaked, nil)
	counts = m.breakers.GetBreaker(testHost).GetCounts()
	if counts.TotalFailures != 1 {
		t.Errorf("breaker failures after late release = %d, want 1", counts.TotalFailures)
	}
}

func TestManager_RepeatedLeaksTripBreaker(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.LeaseTimeout = 10 * time.Millisecond
		c.Breakers = circuit.NewManager(circuit.Config{
			FailureThreshold: 2,
			RecoveryTimeout:  time.Minute,
		})
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Acquire(ctx, testHost); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		m.reapOnce(time.Now().Add(20 * time.Millisecond))
	}

	if state := m.breakers.GetBreaker(testHost).GetState(); state != circuit.StateOpen {
		t.Errorf("breaker state after repeated leaks = %v, want OPEN", state)
	}
	if _, err := m.Acquire(ctx, testHost); errors.CodeOf(err) != errors.ErrCodeCircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN after leak trips, got %v", err)
	}
}

func TestManager_PressureShrinksAndRestores(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 4
		c.EmergencyMaxPerHost = 1
	})
	ctx := context.Background()

	conns := make([]*PooledConn, 3)
	for i := range conns {
		conn, err := m.Acquire(ctx, testHost)
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		conns[i] = conn
	}
	for _, conn := range conns {
		m.Release(conn, nil)
	}

	m.HandlePressure(pressure.LevelNormal, pressure.LevelCritical)

	stats := m.GetStats()
	if stats.MaxPerHost != 1 {
		t.Errorf("effective cap = %d under critical pressure, want 1", stats.MaxPerHost)
	}
	if hs := stats.Hosts[testHost]; hs.Total != 1 || hs.Idle != 1 {
		t.Errorf("host stats after shrink = %+v, want total 1 idle 1", hs)
	}

	m.HandlePressure(pressure.LevelCritical, pressure.LevelNormal)
	if got := m.GetStats().MaxPerHost; got != 4 {
		t.Errorf("effective cap = %d after recovery, want 4", got)
	}
}

func TestManager_ReleaseBeyondShrunkCapDiscards(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 2
		c.EmergencyMaxPerHost = 1
	})
	ctx := context.Background()

	c1, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	c2, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.HandlePressure(pressure.LevelNormal, pressure.LevelEmergency)

	m.Release(c1, nil)
	m.Release(c2, nil)

	hs := m.GetStats().Hosts[testHost]
	if hs.Total != 1 || hs.Idle != 1 {
		t.Errorf("host stats after draining to emergency cap = %+v, want total 1 idle 1", hs)
	}
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(func(c *Config) {
		c.MaxPerHost = 1
		c.AcquireTimeout = 5 * time.Second
	})
	ctx := context.Background()

	holder, err := m.Acquire(ctx, testHost)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waiterErr := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, testHost)
		waiterErr <- err
	}()
	waitFor(t, time.Second, func() bool {
		return m.GetStats().Hosts[testHost].Waiting == 1
	})

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case err := <-waiterErr:
		if errors.CodeOf(err) != errors.ErrCodeShuttingDown {
			t.Errorf("waiter error = %v, want SHUTTING_DOWN", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by shutdown")
	}

	if _, err := m.Acquire(ctx, testHost); errors.CodeOf(err) != errors.ErrCodeShuttingDown {
		t.Errorf("Acquire after shutdown = %v, want SHUTTING_DOWN", err)
	}

	// Late release of a pre-shutdown lease must not panic or revive the pool.
	m.Release(holder, nil)
	if hs := m.GetStats().Hosts[testHost]; hs.Total != 0 {
		t.Errorf("host total = %d after shutdown, want 0", hs.Total)
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown failed: %v", err)
	}
}

func TestManager_FactoryFailure(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(nil)
	factory.fail = io.ErrUnexpectedEOF

	_, err := m.Acquire(context.Background(), testHost)
	if err == nil {
		t.Fatal("expected factory failure to surface")
	}
	if errors.CodeOf(err) != errors.ErrCodeFetchFailed {
		t.Errorf("error code = %v, want FETCH_FAILED", errors.CodeOf(err))
	}

	// The reservation must be refunded so later acquires can create.
	factory.fail = nil
	if _, err := m.Acquire(context.Background(), testHost); err != nil {
		t.Errorf("Acquire after factory recovery failed: %v", err)
	}

	counts := m.breakers.GetBreaker(testHost).GetCounts()
	if counts.TotalFailures != 1 {
		t.Errorf("breaker failures = %d, want 1", counts.TotalFailures)
	}
}
