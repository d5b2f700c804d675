package ra

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errIdleTimeout = errors.New("idle timeout")

// ioLoop owns a set of connections. Socket readiness is delivered by the
// runtime poller to the reader and writer goroutines of each connection;
// the loop keeps accounting and closes idle connections.
type ioLoop struct {
	id    int
	idle  time.Duration
	mu    sync.Mutex
	conns map[*serverConn]struct{}
	load  int64

	control  chan struct{}
	done     chan struct{}
	stopping sync.Once
}

func newIoLoop(id int, idle time.Duration) *ioLoop {
	return &ioLoop{
		id:      id,
		idle:    idle,
		conns:   make(map[*serverConn]struct{}),
		control: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (l *ioLoop) add(c *serverConn) {
	l.mu.Lock()
	l.conns[c] = struct{}{}
	l.mu.Unlock()
	atomic.AddInt64(&l.load, 1)
}

func (l *ioLoop) remove(c *serverConn) {
	l.mu.Lock()
	_, ok := l.conns[c]
	delete(l.conns, c)
	l.mu.Unlock()
	if ok {
		atomic.AddInt64(&l.load, -1)
	}
}

func (l *ioLoop) active() int64 {
	return atomic.LoadInt64(&l.load)
}

func (l *ioLoop) snapshot() []*serverConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	conns := make([]*serverConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	return conns
}

func (l *ioLoop) run() {
	defer close(l.done)
	if l.idle <= 0 {
		<-l.control
		return
	}
	period := l.idle / 2
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-l.control:
			return
		case now := <-t.C:
			for _, c := range l.snapshot() {
				if now.Sub(c.lastActivity()) > l.idle {
					c.close(errIdleTimeout)
				}
			}
		}
	}
}

func (l *ioLoop) stopOnce() {
	l.stopping.Do(func() {
		close(l.control)
	})
	<-l.done
}

// leastLoaded returns a loop with the fewest connections. Ties go to the
// lowest index.
func leastLoaded(loops []*ioLoop) *ioLoop {
	best := loops[0]
	bestLoad := best.active()
	for _, l := range loops[1:] {
		if load := l.active(); load < bestLoad {
			best, bestLoad = l, load
		}
	}
	return best
}
