package ra

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// serverConn is an accepted connection. A reader goroutine assembles
// frames and hands requests to the worker pool, a writer goroutine writes
// responses in request order.
type serverConn struct {
	id          uuid.UUID
	srv         *Server
	loop        *ioLoop
	nc          net.Conn
	dec         *Decoder
	out         *outboundQueue
	limiter     *rate.Limiter
	connectedAt time.Time

	state    state
	lastSeen int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newServerConn(srv *Server, loop *ioLoop, nc net.Conn) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		id:          uuid.New(),
		srv:         srv,
		loop:        loop,
		nc:          nc,
		dec:         NewDecoder(srv.opts.MaxPayload),
		out:         newOutboundQueue(srv.opts.MaxPending),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	if srv.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(srv.opts.RateLimit, srv.opts.RateBurst)
	}
	c.touch()
	return c
}

func (c *serverConn) ID() uuid.UUID            { return c.id }
func (c *serverConn) RemoteAddr() net.Addr     { return c.nc.RemoteAddr() }
func (c *serverConn) ConnectedAt() time.Time   { return c.connectedAt }
func (c *serverConn) Context() context.Context { return c.ctx }

func (c *serverConn) touch() {
	atomic.StoreInt64(&c.lastSeen, time.Now().UnixNano())
}

func (c *serverConn) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

func (c *serverConn) event() baseEvent {
	return newBaseEvent(componentServer, c.nc.RemoteAddr(), c.id)
}

func (c *serverConn) serve() {
	c.srv.opts.Logger.Report(ConnectionOpenedEvent{baseEvent: c.event(), Loop: c.loop.id})
	go c.writer()
	c.reader()
}

func (c *serverConn) reader() {
	defer c.srv.readers.Done()

	buf := make([]byte, c.srv.opts.ReadBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.touch()
			if ferr := c.feed(buf[:n]); ferr != nil {
				c.close(ferr)
				return
			}
		}
		if err != nil {
			switch {
			case c.state.get() == connDraining:
				c.out.closeWhenEmpty()
			case errors.Is(err, io.EOF):
				c.close(nil)
			default:
				c.close(err)
			}
			return
		}
	}
}

// feed decodes all complete frames of p. Frames are handled in order.
func (c *serverConn) feed(p []byte) error {
	for len(p) > 0 {
		frame, ok, n, err := c.dec.Decode(p)
		p = p[n:]
		if err != nil {
			c.srv.opts.Logger.Report(FrameDecodeFailedEvent{baseEvent: c.event(), Error: err})
			return err
		}
		if !ok {
			return nil
		}
		if err = c.handleFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *serverConn) handleFrame(frame Frame) error {
	if frame.IsResponse() {
		err := &MalformedFrameError{Reason: "response frame sent to server"}
		c.srv.opts.Logger.Report(FrameDecodeFailedEvent{baseEvent: c.event(), Error: err})
		return err
	}
	frame, err := decompressFrame(frame, c.srv.opts.MaxPayload)
	if err != nil {
		c.srv.opts.Logger.Report(FrameDecodeFailedEvent{baseEvent: c.event(), Error: err})
		return err
	}

	slot, err := c.out.reserve()
	if err != nil {
		if errors.Is(err, errOutboundOverflow) {
			c.srv.opts.Logger.Report(OutboundOverflowEvent{
				baseEvent: c.event(),
				Pending:   c.out.len(),
			})
		}
		return err
	}

	if c.limiter != nil {
		if c.srv.opts.RLimitAction == RLimitWait {
			if err = c.limiter.Wait(c.ctx); err != nil {
				return err
			}
		} else if !c.limiter.Allow() {
			c.srv.opts.Logger.Report(RateLimitedEvent{baseEvent: c.event(), Command: frame.Command})
			c.respond(slot, frame, Errorf(StatusRateLimited, "request is rate limited"))
			return nil
		}
	}

	req := &Request{
		Command: frame.Command,
		Sync:    frame.Sync,
		Payload: frame.Payload,
		Conn:    c,
	}
	c.srv.inflight.Add(1)
	c.srv.workers.submit(func() {
		defer c.srv.inflight.Done()
		start := time.Now()
		resp := c.srv.dispatcher.Dispatch(req)
		if c.srv.opts.Observer != nil {
			c.srv.opts.Observer.Dispatched(req.Command, resp.Status, time.Since(start))
		}
		c.respond(slot, frame, resp)
	})
	return nil
}

func (c *serverConn) respond(slot *responseSlot, req Frame, resp Response) {
	out := encodeResponseFrame(req.Command, req.Sync, resp)
	out, err := compressFrame(out, c.srv.opts.CompressThreshold)
	if err != nil {
		out = encodeResponseFrame(req.Command, req.Sync,
			Errorf(StatusInternal, "compress response: %s", err))
	}
	// The connection may be closed already, then the response is dropped.
	c.out.fill(slot, out)
}

// push queues a message without a request. Overflowing the outbound
// queue closes the connection as for requests.
func (c *serverConn) push(cmd CommandID, msg Response) error {
	if c.state.get() != connOpen {
		return ErrConnectionNotFound
	}
	out, err := compressFrame(encodeResponseFrame(cmd, PushSync, msg), c.srv.opts.CompressThreshold)
	if err != nil {
		return err
	}
	if err = c.out.push(out); err != nil {
		if errors.Is(err, errOutboundOverflow) {
			c.srv.opts.Logger.Report(OutboundOverflowEvent{
				baseEvent: c.event(),
				Pending:   c.out.len(),
			})
			c.close(err)
		}
		return err
	}
	return nil
}

func (c *serverConn) writer() {
	w := bufio.NewWriterSize(&deadlineIO{to: c.srv.opts.WriteTimeout, c: c.nc},
		c.srv.opts.WriteBufferSize)
	var (
		frames []Frame
		packet []byte
		done   bool
	)
	for {
		frames, done = c.out.take(frames[:0])
		if done {
			if c.state.get() != connClosed {
				c.close(w.Flush())
			}
			return
		}
		if len(frames) == 0 {
			if err := w.Flush(); err != nil {
				c.close(err)
				return
			}
			select {
			case <-c.out.notify:
			case <-c.ctx.Done():
				return
			}
			continue
		}
		for i := range frames {
			packet = AppendFrame(packet[:0], frames[i])
			if _, err := w.Write(packet); err != nil {
				c.close(err)
				return
			}
			frames[i] = Frame{}
		}
	}
}

// drain stops reading new requests. The connection is closed once the
// responses of already read requests are written.
func (c *serverConn) drain() {
	if c.state.cas(connOpen, connDraining) {
		c.nc.SetReadDeadline(time.Now())
	}
}

func (c *serverConn) close(err error) {
	c.closeOnce.Do(func() {
		c.state.set(connClosed)
		c.cancel()
		discarded := c.out.close()
		c.nc.Close()
		c.loop.remove(c)
		c.srv.forget(c)
		c.srv.opts.Logger.Report(ConnectionClosedEvent{
			baseEvent: c.event(),
			Error:     err,
			Discarded: discarded,
		})
		c.srv.conns.Done()
	})
}
