package ra

import (
	"errors"
	"sync"
)

var (
	errOutboundOverflow = errors.New("outbound queue overflow")
	errOutboundClosed   = errors.New("outbound queue is closed")
)

// responseSlot is a place for a response reserved when its request
// arrives.
type responseSlot struct {
	frame Frame
	ready bool
}

// outboundQueue keeps responses of a connection in request arrival order.
// Responses are filled in any order but taken only from the head.
// Producers never block.
type outboundQueue struct {
	mu     sync.Mutex
	slots  []*responseSlot
	max    int
	closed bool
	// drain asks a writer to close the connection once the queue is
	// empty.
	drain  bool
	notify chan struct{}
}

func newOutboundQueue(max int) *outboundQueue {
	if max <= 0 {
		max = DefaultMaxPending
	}
	return &outboundQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

func (q *outboundQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// reserve appends an empty slot. It fails when the queue holds max
// pending responses already.
func (q *outboundQueue) reserve() (*responseSlot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errOutboundClosed
	}
	if len(q.slots) >= q.max {
		return nil, errOutboundOverflow
	}
	s := &responseSlot{}
	q.slots = append(q.slots, s)
	return s, nil
}

// fill stores a response into a reserved slot. It returns false if the
// queue is closed and the response is dropped.
func (q *outboundQueue) fill(s *responseSlot, f Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	s.frame = f
	s.ready = true
	head := len(q.slots) > 0 && q.slots[0] == s
	q.mu.Unlock()
	if head {
		q.wake()
	}
	return true
}

// push appends a ready response.
func (q *outboundQueue) push(f Frame) error {
	s, err := q.reserve()
	if err != nil {
		return err
	}
	q.fill(s, f)
	return nil
}

// take removes all ready responses from the head of the queue. done is
// true if the queue is closed, or it is draining and nothing is left.
func (q *outboundQueue) take(dst []Frame) (frames []Frame, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return dst, true
	}
	n := 0
	for n < len(q.slots) && q.slots[n].ready {
		dst = append(dst, q.slots[n].frame)
		q.slots[n] = nil
		n++
	}
	q.slots = q.slots[n:]
	return dst, len(dst) == 0 && q.drain && len(q.slots) == 0
}

// closeWhenEmpty marks the queue as draining.
func (q *outboundQueue) closeWhenEmpty() {
	q.mu.Lock()
	q.drain = true
	q.mu.Unlock()
	q.wake()
}

// close drops all pending responses and returns their number.
func (q *outboundQueue) close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	n := len(q.slots)
	q.slots = nil
	q.mu.Unlock()
	q.wake()
	return n
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
