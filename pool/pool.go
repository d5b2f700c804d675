// Package pool is a managed pool of database connections. Idle
// connections are probed periodically, broken ones are reconnected with
// exponential backoff, and statement results are streamed through lazy
// cursors.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ice-blockchain/go-ra"
)

// BackoffOpts configures reconnection of dead connections.
type BackoffOpts struct {
	// Initial is a pause before the first reconnect attempt.
	Initial time.Duration
	// Max caps the pause between attempts.
	Max time.Duration
	// Multiplier grows the pause after every failed attempt.
	Multiplier float64
	// MaxRetries is a number of attempts after which the connection is
	// removed from the pool.
	MaxRetries uint
}

// Opts is a way to configure a Pool.
type Opts struct {
	// Size is a target number of connections. Default is DefaultSize.
	Size int
	// MinAvailable is a number of idle connections the heartbeat keeps
	// open in advance. It is created eagerly by New.
	MinAvailable int
	// AcquireTimeout bounds Acquire. Default is DefaultAcquireTimeout.
	AcquireTimeout time.Duration
	// NoWait makes Acquire fail with ErrPoolExhausted instead of waiting
	// when all connections are leased.
	NoWait bool
	// Lazy allows New to succeed when no connection can be opened.
	Lazy bool
	// HeartbeatInterval is a period of liveness checks. A negative value
	// disables the heartbeat. Default is DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// StaleAfter is an idle time after which an available connection is
	// probed. Default is HeartbeatInterval.
	StaleAfter time.Duration
	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration
	// ProbeConcurrency is a number of probes run at once.
	ProbeConcurrency int
	// ConnectTimeout bounds opening a connection in the background.
	ConnectTimeout time.Duration
	// ReconnectBackoff configures reconnection of dead connections.
	ReconnectBackoff BackoffOpts
	// StatementTimeout bounds a statement unless its context has an
	// earlier deadline. Zero means no timeout.
	StatementTimeout time.Duration
	// FetchSize is a number of rows a cursor reads at once.
	FetchSize int
	// Logger receives pool events. Default is ra.SlogLogger.
	Logger ra.Logger
}

func (opts Opts) withDefaults() (Opts, error) {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	if opts.Size < 0 || opts.MinAvailable < 0 || opts.MinAvailable > opts.Size {
		return opts, fmt.Errorf("%w: size %d, min available %d",
			ErrWrongConfig, opts.Size, opts.MinAvailable)
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.StaleAfter == 0 {
		opts.StaleAfter = opts.HeartbeatInterval
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = DefaultProbeConcurrency
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectBackoff.Initial == 0 {
		opts.ReconnectBackoff.Initial = DefaultReconnectInitial
	}
	if opts.ReconnectBackoff.Max == 0 {
		opts.ReconnectBackoff.Max = DefaultReconnectMax
	}
	if opts.ReconnectBackoff.Multiplier == 0 {
		opts.ReconnectBackoff.Multiplier = DefaultReconnectMultiplier
	}
	if opts.ReconnectBackoff.MaxRetries == 0 {
		opts.ReconnectBackoff.MaxRetries = DefaultReconnectRetries
	}
	if opts.FetchSize <= 0 {
		opts.FetchSize = DefaultFetchSize
	}
	if opts.Logger == nil {
		opts.Logger = ra.NewSlogLogger(nil)
	}
	return opts, nil
}

// Stats is a snapshot of pool counters.
type Stats struct {
	// Target is a number of connections the pool aims to keep. It drops
	// below Opts.Size when connections are removed after failed
	// reconnects.
	Target int
	// Total is a number of connections counted against Target,
	// including dead ones and ones being opened.
	Total   int
	Waiters int
	States  map[State]int
}

// Pool is a bounded set of database connections.
type Pool struct {
	opts      Opts
	connector Connector
	logger    ra.Logger

	mu      sync.Mutex
	conns   map[uint64]*PooledConn
	idle    []*PooledConn
	waiters *list.List
	target  int
	total   int
	lastID  uint64

	state  poolState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	hb     *heartbeat
}

// New creates a pool and opens MinAvailable connections. It fails if no
// connection could be opened unless opts.Lazy is set.
func New(ctx context.Context, connector Connector, opts Opts) (*Pool, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	p := &Pool{
		opts:      opts,
		connector: connector,
		logger:    opts.Logger,
		conns:     make(map[uint64]*PooledConn),
		waiters:   list.New(),
		target:    opts.Size,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	var errs []error
	for i := 0; i < opts.MinAvailable; i++ {
		if err := p.grow(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == opts.MinAvailable && !opts.Lazy {
		p.cancel()
		return nil, multierror.Append(nil, errs...).ErrorOrNil()
	}

	if opts.HeartbeatInterval > 0 {
		p.hb = newHeartbeat(p)
		p.wg.Add(1)
		go p.hb.run()
	}
	return p, nil
}

// Opts returns the pool configuration with defaults applied.
func (p *Pool) Opts() Opts {
	return p.opts
}

func (p *Pool) report(event ra.LogEvent) {
	p.logger.Report(event)
}

// setState moves a connection to a new state. The pool lock must be held.
func (p *Pool) setState(pc *PooledConn, to State) {
	from := pc.state
	pc.mustTransition(to)
	p.report(StateChangedEvent{baseEvent: newBaseEvent(pc.id), From: from, To: to})
}

// grow opens a connection within the target and makes it available.
func (p *Pool) grow(ctx context.Context) error {
	p.mu.Lock()
	if p.state.get() == poolClosed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.total >= p.target {
		p.mu.Unlock()
		return nil
	}
	p.total++
	p.mu.Unlock()

	pc, err := p.open(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == poolClosed {
		p.total--
		pc.conn.Close()
		return ErrPoolClosed
	}
	p.conns[pc.id] = pc
	p.setState(pc, StateAvailable)
	p.putLocked(pc)
	return nil
}

// open dials a new connection in the Created state. The caller accounts
// it in total.
func (p *Pool) open(ctx context.Context) (*PooledConn, error) {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		p.report(ConnectFailedEvent{baseEvent: newBaseEvent(0), Error: err})
		return nil, err
	}
	p.mu.Lock()
	p.lastID++
	id := p.lastID
	p.mu.Unlock()
	now := time.Now()
	return &PooledConn{
		id:        id,
		conn:      conn,
		state:     StateCreated,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// putLocked hands an available connection to the oldest waiter or pushes
// it on top of the idle stack.
func (p *Pool) putLocked(pc *PooledConn) {
	pc.lastUsed = time.Now()
	if e := p.waiters.Front(); e != nil {
		p.waiters.Remove(e)
		p.setState(pc, StateLeased)
		e.Value.(chan *PooledConn) <- pc
		return
	}
	p.idle = append(p.idle, pc)
}

// Acquire leases a connection. The most recently released connection is
// returned first. Below the target size a new connection is opened
// synchronously, otherwise Acquire waits for a release in FIFO order.
//
// Acquire is bounded by Opts.AcquireTimeout and ctx. On timeout it
// returns *AcquireTimeoutError.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	if p.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.state.get() == poolClosed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.setState(pc, StateLeased)
		p.mu.Unlock()
		return newLease(p, pc), nil
	}
	if p.total < p.target {
		p.total++
		p.mu.Unlock()
		return p.acquireNew(ctx, start)
	}
	if p.opts.NoWait {
		p.mu.Unlock()
		p.report(PoolExhaustedEvent{baseEvent: newBaseEvent(0), Size: p.opts.Size})
		return nil, exhaustedError{}
	}
	w := make(chan *PooledConn, 1)
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case pc := <-w:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return newLease(p, pc), nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	p.waiters.Remove(elem)
	select {
	case pc := <-w:
		// Handed over right before the timeout.
		p.mu.Unlock()
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return newLease(p, pc), nil
	default:
	}
	p.mu.Unlock()

	waited := time.Since(start)
	p.report(AcquireTimeoutEvent{baseEvent: newBaseEvent(0), Waited: waited})
	return nil, &AcquireTimeoutError{Waited: waited, Err: ctx.Err()}
}

func (p *Pool) acquireNew(ctx context.Context, start time.Time) (*Lease, error) {
	pc, err := p.open(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, &AcquireTimeoutError{Waited: time.Since(start), Err: err}
		}
		return nil, &ConnectivityLostError{Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == poolClosed {
		p.total--
		pc.conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[pc.id] = pc
	p.setState(pc, StateAvailable)
	p.setState(pc, StateLeased)
	return newLease(p, pc), nil
}

// Release returns a leased connection. A connection of a failed lease is
// marked dead and reconnected in the background. Releasing a lease twice
// is a no-op.
func (p *Pool) Release(l *Lease) {
	l.Release()
}

func (p *Pool) release(pc *PooledConn, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == poolClosed {
		delete(p.conns, pc.id)
		p.total--
		pc.conn.Close()
		return
	}
	if failed {
		p.setState(pc, StateDead)
		p.reconnectLocked(pc)
		return
	}
	p.setState(pc, StateAvailable)
	p.putLocked(pc)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{
		Target:  p.target,
		Total:   p.total,
		Waiters: p.waiters.Len(),
		States:  make(map[State]int, len(stateNames)),
	}
	for _, pc := range p.conns {
		stats.States[pc.state]++
	}
	return stats
}

// Close closes the pool. Available connections are closed at once,
// leased ones when they are released. Waiters get ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.state.cas(poolOpen, poolClosed) {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.cancel()
	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.waiters.Remove(e)
		e.Value.(chan *PooledConn) <- nil
	}
	p.idle = nil
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for id, pc := range p.conns {
		if pc.state == StateLeased {
			continue
		}
		delete(p.conns, id)
		p.total--
		if pc.state == StateDead {
			continue
		}
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection %d: %w", id, err))
		}
	}
	return multierror.Append(nil, errs...).ErrorOrNil()
}
