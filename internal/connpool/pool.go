// Package connpool manages bounded per-host connection pools for origin
// fetches. Admission goes through the origin circuit breaker, waiters are
// served in arrival order, and a background reaper closes idle connections
// and reclaims leaked leases.
package connpool

import (
	"container/list"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateLeased
	StateClosed
)

// String returns the string representation of a connection state.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PooledConn is a single keep-alive connection to an origin host. Each conn
// owns a dedicated http.Client whose transport holds at most one idle socket,
// so one lease maps to one origin connection.
type PooledConn struct {
	id     string
	host   string
	client *http.Client

	// Guarded by the owning hostPool mutex.
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	leasedAt  time.Time
	owner     string
	settle    func(error) // breaker lease held by the current leaseholder
}

// ID returns the connection's unique identifier.
func (c *PooledConn) ID() string { return c.id }

// Host returns the origin host this connection belongs to.
func (c *PooledConn) Host() string { return c.host }

// Owner returns the label of the current leaseholder, empty while idle.
func (c *PooledConn) Owner() string { return c.owner }

// Client returns the HTTP client bound to this connection.
func (c *PooledConn) Client() *http.Client { return c.client }

// waiter is one goroutine queued for a connection. The grant channel carries
// either a leased connection or nil, which is permission to create one
// against reserved capacity.
type waiter struct {
	grant chan *PooledConn
}

// hostPool holds the per-host connection state. All fields are guarded by mu;
// methods with the Locked suffix require it held.
type hostPool struct {
	host string

	mu      sync.Mutex
	idle    []*PooledConn
	waiters *list.List
	conns   map[string]*PooledConn
	total   int
}

func newHostPool(host string) *hostPool {
	return &hostPool{
		host:    host,
		waiters: list.New(),
		conns:   make(map[string]*PooledConn),
	}
}

// popIdleLocked returns a reusable idle connection, most recently used first
// so older idles age out. Idle connections past the idle timeout are removed
// and returned for the caller to close outside the lock.
func (hp *hostPool) popIdleLocked(now time.Time, idleTimeout time.Duration) (*PooledConn, []*PooledConn) {
	var expired []*PooledConn
	for n := len(hp.idle); n > 0; n = len(hp.idle) {
		c := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]
		if idleTimeout > 0 && now.Sub(c.lastUsed) > idleTimeout {
			hp.removeLocked(c)
			expired = append(expired, c)
			continue
		}
		return c, expired
	}
	return nil, expired
}

// leaseLocked marks a connection as leased.
func (hp *hostPool) leaseLocked(c *PooledConn, now time.Time) {
	c.state = StateLeased
	c.leasedAt = now
	c.lastUsed = now
}

// putIdleLocked returns a connection to the idle list.
func (hp *hostPool) putIdleLocked(c *PooledConn, now time.Time) {
	c.state = StateIdle
	c.lastUsed = now
	c.owner = ""
	c.settle = nil
	hp.idle = append(hp.idle, c)
}

// removeLocked takes a connection out of the pool's books. Safe to call on a
// connection that was already removed.
func (hp *hostPool) removeLocked(c *PooledConn) {
	c.state = StateClosed
	c.owner = ""
	c.settle = nil
	if _, ok := hp.conns[c.id]; ok {
		delete(hp.conns, c.id)
		hp.total--
	}
}

// registerLocked adds a freshly created connection as leased. Capacity must
// have been reserved beforehand by incrementing total.
func (hp *hostPool) registerLocked(client *http.Client, now time.Time, owner string, settle func(error)) *PooledConn {
	c := &PooledConn{
		id:        uuid.NewString(),
		host:      hp.host,
		client:    client,
		state:     StateLeased,
		createdAt: now,
		lastUsed:  now,
		leasedAt:  now,
		owner:     owner,
		settle:    settle,
	}
	hp.conns[c.id] = c
	return c
}

// enqueueWaiterLocked appends a waiter to the FIFO queue.
func (hp *hostPool) enqueueWaiterLocked(w *waiter) *list.Element {
	return hp.waiters.PushBack(w)
}

// popWaiterLocked removes and returns the oldest waiter.
func (hp *hostPool) popWaiterLocked() *waiter {
	front := hp.waiters.Front()
	hp.waiters.Remove(front)
	return front.Value.(*waiter)
}

// grantLocked satisfies queued waiters in arrival order, idle connections
// first, then create permits while capacity remains. Waiters only stay queued
// while the host is at capacity with no idle connections; every path that
// frees either must call this.
func (hp *hostPool) grantLocked(capacity int, now time.Time, idleTimeout time.Duration) []*PooledConn {
	var expired []*PooledConn
	for hp.waiters.Len() > 0 {
		conn, exp := hp.popIdleLocked(now, idleTimeout)
		expired = append(expired, exp...)
		if conn != nil {
			hp.leaseLocked(conn, now)
			hp.popWaiterLocked().grant <- conn
			continue
		}
		if hp.total < capacity {
			hp.total++
			hp.popWaiterLocked().grant <- nil
			continue
		}
		break
	}
	return expired
}
