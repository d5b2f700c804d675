package pool

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// heartbeat probes idle connections and keeps the available watermark.
type heartbeat struct {
	pool   *Pool
	ticker *time.Ticker
}

func newHeartbeat(p *Pool) *heartbeat {
	return &heartbeat{pool: p}
}

func (h *heartbeat) run() {
	defer h.pool.wg.Done()
	h.ticker = time.NewTicker(h.pool.opts.HeartbeatInterval)
	defer h.ticker.Stop()
	for {
		select {
		case <-h.pool.ctx.Done():
			return
		case <-h.ticker.C:
			h.pool.checkIdle()
			h.pool.replenish()
		}
	}
}

// staleLocked moves available connections idle longer than StaleAfter to
// the Probing state. Leased connections are never probed.
func (p *Pool) staleLocked(now time.Time) []*PooledConn {
	var stale []*PooledConn
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if now.Sub(pc.lastUsed) >= p.opts.StaleAfter {
			p.setState(pc, StateProbing)
			stale = append(stale, pc)
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	return stale
}

// checkIdle runs one liveness cycle. A failed probe makes a connection
// dead and schedules its reconnection.
func (p *Pool) checkIdle() {
	p.mu.Lock()
	if p.state.get() == poolClosed {
		p.mu.Unlock()
		return
	}
	stale := p.staleLocked(time.Now())
	p.mu.Unlock()
	if len(stale) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.opts.ProbeConcurrency)
	for _, pc := range stale {
		pc := pc
		g.Go(func() error {
			p.probe(pc)
			return nil
		})
	}
	g.Wait()
}

func (p *Pool) probe(pc *PooledConn) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.ProbeTimeout)
	err := pc.conn.Ping(ctx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == poolClosed {
		delete(p.conns, pc.id)
		p.total--
		pc.conn.Close()
		return
	}
	if err != nil {
		p.report(HeartbeatFailedEvent{
			baseEvent: newBaseEvent(pc.id),
			Idle:      time.Since(pc.lastUsed),
			Error:     err,
		})
		p.setState(pc, StateDead)
		p.reconnectLocked(pc)
		return
	}
	p.setState(pc, StateAvailable)
	p.putLocked(pc)
}

// replenish restores the target size lowered by removed connections, one
// connection per cycle, and opens connections up to MinAvailable.
func (p *Pool) replenish() {
	p.mu.Lock()
	restore := p.target < p.opts.Size
	if restore {
		p.target++
	}
	missing := p.opts.MinAvailable - len(p.idle)
	p.mu.Unlock()

	for i := 0; i < missing || restore; i++ {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
		err := p.grow(ctx)
		cancel()
		if restore {
			restore = false
			if err != nil {
				p.mu.Lock()
				p.target--
				p.mu.Unlock()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *Pool) backoff() backoff.BackOff {
	opts := p.opts.ReconnectBackoff
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.Initial,
		RandomizationFactor: 0.2,
		Multiplier:          opts.Multiplier,
		MaxInterval:         opts.Max,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxRetries)), p.ctx)
}

// reconnectLocked starts reconnection of a dead connection. The pool lock
// must be held.
func (p *Pool) reconnectLocked(pc *PooledConn) {
	p.wg.Add(1)
	go p.reconnect(pc)
}

func (p *Pool) reconnect(pc *PooledConn) {
	defer p.wg.Done()
	pc.conn.Close()

	var (
		conn     Conn
		attempts uint
	)
	err := backoff.RetryNotify(
		func() error {
			attempts++
			ctx, cancel := context.WithTimeout(p.ctx, p.opts.ConnectTimeout)
			defer cancel()
			c, err := p.connector.Connect(ctx)
			if err != nil {
				if p.ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		},
		p.backoff(),
		func(err error, next time.Duration) {
			p.report(ReconnectAttemptEvent{
				baseEvent: newBaseEvent(pc.id),
				Attempt:   attempts,
				Error:     err,
				Next:      next,
			})
		},
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == poolClosed {
		delete(p.conns, pc.id)
		p.total--
		if conn != nil {
			conn.Close()
		}
		return
	}
	p.report(ReconnectResultEvent{baseEvent: newBaseEvent(pc.id), Attempts: attempts, Error: err})
	if err != nil {
		delete(p.conns, pc.id)
		p.total--
		p.target--
		p.report(ConnectionRemovedEvent{baseEvent: newBaseEvent(pc.id), Target: p.target})
		return
	}
	now := time.Now()
	pc.conn = conn
	pc.createdAt = now
	p.setState(pc, StateCreated)
	p.setState(pc, StateAvailable)
	p.putLocked(pc)
}
