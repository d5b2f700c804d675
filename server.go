package ra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

// Observer receives server measurements. See the metrics package.
type Observer interface {
	// Dispatched is called after a handler returned a response.
	Dispatched(cmd CommandID, status StatusCode, elapsed time.Duration)
}

// ServerOpts is a way to configure a Server.
type ServerOpts struct {
	// Loops is a number of I/O loops connections are spread across.
	// Default is GOMAXPROCS.
	Loops int
	// Workers is a number of goroutines running handlers. Default is
	// 4 * GOMAXPROCS.
	Workers int
	// MaxPayload is a maximum size of a frame payload. Larger frames close
	// the connection. Default is DefaultMaxPayload.
	MaxPayload uint32
	// MaxPending is a maximum number of responses queued per connection.
	// A connection exceeding it is closed. Default is DefaultMaxPending.
	MaxPending int
	// ReadBufferSize and WriteBufferSize are sizes of per connection
	// buffers.
	ReadBufferSize  int
	WriteBufferSize int
	// WriteTimeout bounds a single socket write. Default is
	// DefaultWriteTimeout.
	WriteTimeout time.Duration
	// IdleTimeout closes connections without inbound traffic. Zero
	// disables the watchdog.
	IdleTimeout time.Duration
	// RateLimit is a per connection limit of requests per second. Zero
	// disables limiting.
	RateLimit rate.Limit
	// RateBurst is a burst size for RateLimit. Default is 1.
	RateBurst int
	// RLimitAction tells what to do when RateLimit reached:
	//   RLimitDrop - respond with StatusRateLimited (default),
	//   RLimitWait - stop reading the connection until a token is available.
	RLimitAction uint
	// CompressThreshold enables lz4 compression of responses with
	// payloads larger than the threshold.
	CompressThreshold int
	// Transport is a listener transport type: "" or "ssl".
	Transport string
	// Ssl configures "ssl" transport.
	Ssl SslOpts
	// Logger receives server events. Default is SlogLogger.
	Logger Logger
	// Observer receives dispatch measurements. Optional.
	Observer Observer
}

func (opts ServerOpts) withDefaults() ServerOpts {
	if opts.Loops <= 0 {
		opts.Loops = runtime.GOMAXPROCS(0)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4 * runtime.GOMAXPROCS(0)
	}
	if opts.MaxPayload == 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultWriteBufferSize
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = NewSlogLogger(nil)
	}
	return opts
}

// ServerStats is a snapshot of server counters.
type ServerStats struct {
	// Connections is a number of open connections per I/O loop.
	Connections []int64
}

// Total returns a number of open connections.
func (s ServerStats) Total() int64 {
	var n int64
	for _, c := range s.Connections {
		n += c
	}
	return n
}

// Server accepts connections and serves requests with a Dispatcher.
type Server struct {
	opts       ServerOpts
	dispatcher *Dispatcher
	workers    *workerPool
	loops      []*ioLoop

	state     state
	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	byID      map[uuid.UUID]*serverConn
	// conns counts open connections, readers counts their reader
	// goroutines, inflight counts requests given to workers.
	conns    sync.WaitGroup
	readers  sync.WaitGroup
	inflight sync.WaitGroup
	accepts  sync.WaitGroup
}

// NewServer creates a server. The dispatcher must be completely
// registered before Serve.
func NewServer(dispatcher *Dispatcher, opts ServerOpts) *Server {
	opts = opts.withDefaults()
	s := &Server{
		opts:       opts,
		dispatcher: dispatcher,
		workers:    newWorkerPool(opts.Workers, opts.Workers*DefaultWorkerQueueFactor),
		loops:      make([]*ioLoop, opts.Loops),
		listeners:  make(map[net.Listener]struct{}),
		byID:       make(map[uuid.UUID]*serverConn),
	}
	for i := range s.loops {
		s.loops[i] = newIoLoop(i, opts.IdleTimeout)
		go s.loops[i].run()
	}
	s.state.set(srvServing)
	return s
}

// ListenAndServe listens on the address and serves connections until the
// server is shut down.
func (s *Server) ListenAndServe(address string) error {
	ln, err := Listen(address, s.opts.Transport, s.opts.Ssl)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on the listener. It always returns a non-nil
// error; after Shutdown or Close it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.accepts.Done()

	var tempDelay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.state.get() != srvServing {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				time.Sleep(tempDelay)
				continue
			}
			s.untrackListener(ln)
			return err
		}
		tempDelay = 0
		s.accept(nc)
	}
}

func (s *Server) accept(nc net.Conn) {
	s.mu.Lock()
	if s.state.get() != srvServing {
		s.mu.Unlock()
		nc.Close()
		return
	}
	loop := leastLoaded(s.loops)
	c := newServerConn(s, loop, nc)
	loop.add(c)
	s.byID[c.id] = c
	s.conns.Add(1)
	s.readers.Add(1)
	s.mu.Unlock()

	go c.serve()
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.get() != srvServing {
		return false
	}
	s.listeners[ln] = struct{}{}
	s.accepts.Add(1)
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) closeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.listeners, ln)
	}
	return multierror.Append(nil, errs...).ErrorOrNil()
}

func (s *Server) forget(c *serverConn) {
	s.mu.Lock()
	delete(s.byID, c.id)
	s.mu.Unlock()
}

func (s *Server) lookup(id uuid.UUID) (*serverConn, error) {
	s.mu.Lock()
	c, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return c, nil
}

// Send sends a message to the connection with the id without a request.
// The message goes out after responses to requests already read from the
// connection. A client receives it with PushSync as a sync.
func (s *Server) Send(id uuid.UUID, cmd CommandID, body interface{}) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	return c.push(cmd, OK(body))
}

// SendClose sends a message like Send and closes the connection once it
// is written. No more requests are read from the connection.
func (s *Server) SendClose(id uuid.UUID, cmd CommandID, body interface{}) error {
	c, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err = c.push(cmd, OK(body)); err != nil {
		return err
	}
	c.drain()
	return nil
}

// Broadcast sends a message to all open connections. It returns errors of
// connections the message could not be queued to.
func (s *Server) Broadcast(cmd CommandID, body interface{}) error {
	var errs []error
	for _, c := range s.connections() {
		if err := c.push(cmd, OK(body)); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
		}
	}
	return multierror.Append(nil, errs...).ErrorOrNil()
}

func (s *Server) connections() []*serverConn {
	var conns []*serverConn
	for _, l := range s.loops {
		conns = append(conns, l.snapshot()...)
	}
	return conns
}

// Shutdown stops accepting connections and stops reading requests. Every
// connection is closed after responses to already read requests are
// written. If ctx expires first, remaining connections are closed as by
// Close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.cas(srvServing, srvShutdown) {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.mu.Unlock()

	err := s.closeListeners()
	for _, c := range s.connections() {
		c.drain()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return multierror.Append(err, s.release()).ErrorOrNil()
	case <-ctx.Done():
		return multierror.Append(err, s.Close(), ctx.Err()).ErrorOrNil()
	}
}

// Close closes the listeners and all connections immediately. Responses
// which are not written yet are dropped.
func (s *Server) Close() error {
	s.mu.Lock()
	prev := s.state.get()
	if prev == srvClosed {
		s.mu.Unlock()
		return nil
	}
	s.state.set(srvClosed)
	s.mu.Unlock()

	err := s.closeListeners()
	for _, c := range s.connections() {
		c.close(ErrServerClosed)
	}
	s.conns.Wait()
	return multierror.Append(err, s.release()).ErrorOrNil()
}

// release stops goroutines of the server when no connection is left.
// In-flight handlers complete, their responses are dropped.
func (s *Server) release() error {
	s.state.set(srvClosed)
	s.accepts.Wait()
	s.readers.Wait()
	s.inflight.Wait()
	s.workers.stop()
	for _, l := range s.loops {
		l.stopOnce()
	}
	return nil
}

// Addr returns addresses of active listeners.
func (s *Server) Addr() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Stats returns current server counters.
func (s *Server) Stats() ServerStats {
	stats := ServerStats{Connections: make([]int64, len(s.loops))}
	for i, l := range s.loops {
		stats.Connections[i] = l.active()
	}
	return stats
}
