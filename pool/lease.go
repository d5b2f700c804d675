package pool

import (
	"sync"
	"sync/atomic"
)

// Lease is an exclusive use of a pooled connection. It must be released
// exactly once; cursors opened on it are closed on release.
type Lease struct {
	pool     *Pool
	pc       *PooledConn
	failed   atomic.Bool
	released atomic.Bool

	mu      sync.Mutex
	cursors map[*Cursor]struct{}
}

func newLease(p *Pool, pc *PooledConn) *Lease {
	return &Lease{pool: p, pc: pc}
}

// ConnID returns an id of the leased connection.
func (l *Lease) ConnID() uint64 {
	return l.pc.id
}

// Conn returns the leased database connection. It must not be used after
// Release.
func (l *Lease) Conn() Conn {
	return l.pc.conn
}

// MarkFailed marks the connection broken. It becomes dead on release.
func (l *Lease) MarkFailed() {
	l.failed.Store(true)
}

// Failed reports whether the lease is marked failed.
func (l *Lease) Failed() bool {
	return l.failed.Load()
}

// Released reports whether the lease is released.
func (l *Lease) Released() bool {
	return l.released.Load()
}

// Release closes cursors of the lease and returns the connection to the
// pool. Calls after the first one are no-ops.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	cursors := l.cursors
	l.cursors = nil
	l.mu.Unlock()
	for c := range cursors {
		c.abandon()
	}
	l.pool.release(l.pc, l.failed.Load())
}

func (l *Lease) track(c *Cursor) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released.Load() {
		return false
	}
	if l.cursors == nil {
		l.cursors = make(map[*Cursor]struct{})
	}
	l.cursors[c] = struct{}{}
	return true
}

func (l *Lease) untrack(c *Cursor) {
	l.mu.Lock()
	delete(l.cursors, c)
	l.mu.Unlock()
}
