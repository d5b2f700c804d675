// Package ra is the core of an application server: a framed binary
// protocol, a server dispatching requests to registered command handlers
// and a client with automatic reconnection.
package ra

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ConnEventKind is a kind of a client connection state change.
type ConnEventKind int

const (
	// Connected signals that connection is established or reestablished.
	Connected ConnEventKind = iota + 1
	// Disconnected signals that connection is broken.
	Disconnected
	// ReconnectFailed signals that attempt to reconnect has failed.
	ReconnectFailed
	// Closed signals that connection is closed forever.
	Closed
)

// ConnEvent is sent throw Notify channel specified in Opts.
type ConnEvent struct {
	Conn *Connection
	Kind ConnEventKind
	When time.Time
}

// Opts is a way to configure Connection
type Opts struct {
	// Timeout for response to a particular request. It is applied when a
	// request context has no deadline. If Timeout is zero, any request can
	// be blocked infinitely.
	// Also used to setup net.Conn write deadlines.
	Timeout time.Duration
	// DialTimeout is a timeout for an initial network dial.
	DialTimeout time.Duration
	// Reconnect is an initial pause between reconnect attempts, the pause
	// grows exponentially up to MaxReconnectInterval. If Reconnect is zero,
	// no reconnect attempts will be made and once disconnected, connection
	// becomes Closed.
	Reconnect time.Duration
	// MaxReconnectInterval caps the pause between reconnect attempts.
	// Default is 30 * Reconnect.
	MaxReconnectInterval time.Duration
	// MaxReconnects is a number of retries following the first reconnect
	// attempt. If MaxReconnects is zero, the client will try to reconnect
	// endlessly.
	// After MaxReconnects+1 failed attempts Connection becomes closed.
	MaxReconnects uint
	// PingInterval is a period of pings keeping the connection alive.
	// Default is Timeout / 3 or a second without Timeout. A negative value
	// disables pings.
	PingInterval time.Duration
	// MaxPayload is a maximum size of a response payload.
	MaxPayload uint32
	// CompressThreshold enables lz4 compression of requests with
	// payloads larger than the threshold.
	CompressThreshold int
	// Notify is a channel which receives notifications about Connection status
	// changes.
	Notify chan<- ConnEvent
	// OnPush receives messages the server sends without a request. It is
	// called from the reading goroutine and must not block. Without OnPush
	// such messages are reported to Logger and dropped.
	OnPush func(cmd CommandID, msg *Response)
	// Logger is user specified logger used for error messages.
	Logger Logger
	// Transport is the connection type, by default the connection is unencrypted.
	Transport string
	// Ssl is used only if the Transport == 'ssl' is set.
	Ssl SslOpts
}

// link is a single physical connection. It is replaced on reconnect.
type link struct {
	nc   net.Conn
	out  chan Frame
	stop chan struct{}
}

// Connection is a client connection to a server. It is safe for
// concurrent use.
//
// Requests sent before a disconnect fail with ErrConnectionClosed and are
// never resent.
type Connection struct {
	addr  string
	opts  Opts
	mutex sync.Mutex
	c     net.Conn
	link  atomic.Pointer[link]
	state state

	requestId uint32
	rmut      sync.Mutex
	requests  map[uint32]*Future

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Connect creates and configures a new Connection.
//
// Address could be specified in following ways:
//
// - TCP connections (tcp://192.168.1.1:3013, tcp://my.host:3013,
// tcp:192.168.1.1:3013, tcp:my.host:3013, 192.168.1.1:3013, my.host:3013)
//
// - Unix socket, first '/' or '.' indicates Unix socket
// (unix:///abs/path/rasrv.sock, unix:path/rasrv.sock, /abs/path/rasrv.sock,
// ./rel/path/rasrv.sock, unix/:path/rasrv.sock)
func Connect(ctx context.Context, addr string, opts Opts) (conn *Connection, err error) {
	if opts.Logger == nil {
		opts.Logger = NewSlogLogger(nil)
	}
	if opts.MaxPayload == 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Reconnect > 0 && opts.MaxReconnectInterval == 0 {
		opts.MaxReconnectInterval = 30 * opts.Reconnect
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Second
		if opts.Timeout > 0 {
			opts.PingInterval = opts.Timeout / 3
		}
	}

	conn = &Connection{
		addr:     addr,
		opts:     opts,
		requests: make(map[uint32]*Future),
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	conn.mutex.Lock()
	err = conn.dial(ctx)
	conn.mutex.Unlock()
	if err != nil {
		conn.opts.Logger.Report(ReconnectFailedEvent{
			baseEvent: newBaseEvent(componentClient, nil, uuid.Nil),
			Error:     err,
			IsInitial: true,
		})
		conn.cancel()
		return nil, err
	}

	if conn.opts.PingInterval > 0 {
		go conn.pinger()
	}
	return conn, nil
}

// Addr returns a configured address of the server.
func (conn *Connection) Addr() string {
	return conn.addr
}

// ConnectedNow reports if connection is established at the moment.
func (conn *Connection) ConnectedNow() bool {
	return conn.state.get() == clientConnected
}

// ClosedNow reports if connection is closed by user or after reconnect.
func (conn *Connection) ClosedNow() bool {
	return conn.state.get() == clientClosed
}

// Close closes Connection.
// After this method called, there is no way to reopen this Connection.
func (conn *Connection) Close() error {
	conn.state.set(clientClosed)
	conn.cancel()

	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.closeConnection(ClientError{ErrConnectionClosed, "connection closed by client"}, true)
}

func (conn *Connection) dial(ctx context.Context) error {
	timeout := conn.opts.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); timeout == 0 || left < timeout {
			timeout = left
		}
	}
	nc, err := dial(conn.addr, conn.opts.Transport, timeout, conn.opts.Ssl)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	l := &link{
		nc:   nc,
		out:  make(chan Frame, 1024),
		stop: make(chan struct{}),
	}
	conn.c = nc
	conn.link.Store(l)
	conn.state.set(clientConnected)

	go conn.writer(l)
	go conn.reader(l)

	conn.opts.Logger.Report(ConnectedEvent{
		baseEvent: newBaseEvent(componentClient, nc.RemoteAddr(), uuid.Nil),
	})
	conn.notify(Connected)
	return nil
}

func (conn *Connection) backoff() backoff.BackOff {
	var b backoff.BackOff = &backoff.ExponentialBackOff{
		InitialInterval:     conn.opts.Reconnect,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         conn.opts.MaxReconnectInterval,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if conn.opts.MaxReconnects > 0 {
		b = backoff.WithMaxRetries(b, uint64(conn.opts.MaxReconnects))
	}
	return backoff.WithContext(b, conn.ctx)
}

// createConnection redials the server until it succeeds, MaxReconnects
// is exceeded or the connection is closed.
func (conn *Connection) createConnection() error {
	var reconnects uint
	err := backoff.RetryNotify(
		func() error {
			if conn.state.get() == clientClosed {
				return backoff.Permanent(ClientError{ErrConnectionClosed, "using closed connection"})
			}
			reconnects++
			return conn.dial(conn.ctx)
		},
		conn.backoff(),
		func(err error, next time.Duration) {
			conn.opts.Logger.Report(ReconnectFailedEvent{
				baseEvent:     newBaseEvent(componentClient, nil, uuid.Nil),
				Reconnects:    reconnects,
				MaxReconnects: conn.opts.MaxReconnects,
				Error:         err,
			})
			conn.notify(ReconnectFailed)
		},
	)
	if err != nil {
		conn.opts.Logger.Report(LastReconnectFailedEvent{
			baseEvent: newBaseEvent(componentClient, nil, uuid.Nil),
			Error:     err,
		})
		var clierr ClientError
		if errors.As(err, &clierr) {
			return clierr
		}
		return ClientError{ErrConnectionClosed, "last reconnect failed"}
	}
	return nil
}

func (conn *Connection) closeConnection(neterr error, forever bool) (err error) {
	if forever {
		conn.state.set(clientClosed)
		conn.closeOnce.Do(func() {
			conn.cancel()
			conn.notify(Closed)
		})
	} else {
		conn.state.set(clientDisconnected)
		conn.notify(Disconnected)
	}
	if l := conn.link.Swap(nil); l != nil {
		close(l.stop)
		err = l.nc.Close()
	}
	conn.c = nil

	conn.rmut.Lock()
	requests := conn.requests
	conn.requests = make(map[uint32]*Future)
	conn.rmut.Unlock()

	clierr := ClientError{ErrConnectionClosed, "connection closed"}
	if neterr != nil {
		clierr.Msg = fmt.Sprintf("connection closed: %s", neterr)
	}
	for _, fut := range requests {
		fut.SetError(clierr)
	}
	return
}

func (conn *Connection) reconnect(neterr error, c net.Conn) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if c != conn.c {
		return
	}
	if conn.opts.Reconnect > 0 && conn.state.get() != clientClosed {
		conn.closeConnection(neterr, false)
		if err := conn.createConnection(); err != nil {
			conn.closeConnection(err, true)
		}
	} else {
		conn.closeConnection(neterr, true)
	}
}

func (conn *Connection) pinger() {
	t := time.NewTicker(conn.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-t.C:
		}
		c := conn.currentConn()
		if c == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(conn.ctx, 3*conn.opts.PingInterval)
		err := conn.Ping(ctx)
		cancel()
		var clierr ClientError
		if errors.As(err, &clierr) && clierr.Code == ErrTimeouted {
			go conn.reconnect(err, c)
		}
	}
}

func (conn *Connection) currentConn() net.Conn {
	if l := conn.link.Load(); l != nil {
		return l.nc
	}
	return nil
}

func (conn *Connection) notify(kind ConnEventKind) {
	if conn.opts.Notify != nil {
		select {
		case conn.opts.Notify <- ConnEvent{Kind: kind, Conn: conn, When: time.Now()}:
		default:
		}
	}
}

func (conn *Connection) writer(l *link) {
	w := bufio.NewWriterSize(&deadlineIO{to: conn.opts.Timeout, c: l.nc}, DefaultWriteBufferSize)
	var packet []byte
	for {
		var frame Frame
		select {
		case frame = <-l.out:
		default:
			if err := w.Flush(); err != nil {
				conn.reconnect(err, l.nc)
				return
			}
			select {
			case frame = <-l.out:
			case <-l.stop:
				return
			}
		}
		packet = AppendFrame(packet[:0], frame)
		if _, err := w.Write(packet); err != nil {
			conn.reconnect(err, l.nc)
			return
		}
	}
}

func (conn *Connection) reader(l *link) {
	dec := NewDecoder(conn.opts.MaxPayload)
	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, rerr := l.nc.Read(buf)
		p := buf[:n]
		var err error
		for len(p) > 0 {
			var (
				frame Frame
				ok    bool
				used  int
			)
			frame, ok, used, err = dec.Decode(p)
			p = p[used:]
			if err != nil || !ok {
				break
			}
			if err = conn.handleResponse(l, frame); err != nil {
				break
			}
		}
		if err == nil {
			err = rerr
		}
		if err != nil {
			conn.reconnect(err, l.nc)
			return
		}
	}
}

func (conn *Connection) handleResponse(l *link, frame Frame) error {
	if !frame.IsResponse() {
		return &MalformedFrameError{Reason: "request frame sent to client"}
	}
	frame, err := decompressFrame(frame, conn.opts.MaxPayload)
	if err != nil {
		return err
	}
	resp, err := decodeResponse(frame)
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if frame.Sync == PushSync && conn.opts.OnPush != nil {
		conn.opts.OnPush(frame.Command, resp)
	} else if fut := conn.fetchFuture(frame.Sync); fut != nil {
		fut.SetResponse(resp)
	} else {
		conn.opts.Logger.Report(UnexpectedResultIdEvent{
			baseEvent: newBaseEvent(componentClient, l.nc.RemoteAddr(), uuid.Nil),
			RequestId: frame.Sync,
		})
	}
	return nil
}

func (conn *Connection) nextRequestId() uint32 {
	for {
		if id := atomic.AddUint32(&conn.requestId, 1); id != PushSync {
			return id
		}
	}
}

func (conn *Connection) fetchFuture(reqid uint32) *Future {
	conn.rmut.Lock()
	defer conn.rmut.Unlock()
	fut := conn.requests[reqid]
	delete(conn.requests, reqid)
	return fut
}

// Do sends a request with msgpack encoded params and returns a Future.
// The request is abandoned when ctx is done or Timeout expires.
func (conn *Connection) Do(ctx context.Context, cmd CommandID, params interface{}) *Future {
	switch conn.state.get() {
	case clientClosed:
		return NewErrorFuture(ClientError{ErrConnectionClosed, "using closed connection"})
	case clientDisconnected:
		return NewErrorFuture(ClientError{ErrConnectionNotReady, "client connection is not ready"})
	}
	l := conn.link.Load()
	if l == nil {
		return NewErrorFuture(ClientError{ErrConnectionNotReady, "client connection is not ready"})
	}
	return conn.send(ctx, l, cmd, params)
}

func (conn *Connection) send(ctx context.Context, l *link, cmd CommandID, params interface{}) *Future {
	fut := NewFuture()
	fut.requestId = conn.nextRequestId()
	fut.command = cmd
	frame, err := newRequestFrame(cmd, fut.requestId, params)
	if err != nil {
		return NewErrorFuture(err)
	}
	if frame, err = compressFrame(frame, conn.opts.CompressThreshold); err != nil {
		return NewErrorFuture(err)
	}

	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && conn.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, conn.opts.Timeout)
	}

	// closeConnection swaps the link before it takes the requests, so a
	// future registered for a replaced link would never be failed.
	conn.rmut.Lock()
	if conn.link.Load() != l {
		conn.rmut.Unlock()
		cancel()
		return NewErrorFuture(ClientError{ErrConnectionNotReady, "client connection is not ready"})
	}
	conn.requests[fut.requestId] = fut
	conn.rmut.Unlock()

	select {
	case l.out <- frame:
	case <-l.stop:
		cancel()
		conn.fetchFuture(fut.requestId)
		fut.SetError(ClientError{ErrConnectionNotReady, "client connection is not ready"})
		return fut
	case <-ctx.Done():
		cancel()
		conn.fetchFuture(fut.requestId)
		fut.SetError(ClientError{ErrTimeouted, fmt.Sprintf("request is not sent: %s", ctx.Err())})
		return fut
	}

	if ctx.Done() != nil {
		go conn.contextWatchdog(ctx, cancel, fut)
	} else {
		cancel()
	}
	return fut
}

func (conn *Connection) contextWatchdog(ctx context.Context, cancel context.CancelFunc, fut *Future) {
	defer cancel()
	select {
	case <-fut.WaitChan():
	case <-ctx.Done():
		if f := conn.fetchFuture(fut.requestId); f == fut {
			fut.SetError(ClientError{
				ErrTimeouted,
				fmt.Sprintf("request %d is abandoned: %s", fut.requestId, ctx.Err()),
			})
		}
	}
}

// Call sends a request and waits for its response.
func (conn *Connection) Call(ctx context.Context, cmd CommandID, params interface{}) (*Response, error) {
	return conn.Do(ctx, cmd, params).Get()
}

// CallTyped sends a request and decodes a response body into result.
func (conn *Connection) CallTyped(ctx context.Context, cmd CommandID, params, result interface{}) error {
	return conn.Do(ctx, cmd, params).GetTyped(result)
}

// Ping sends the built-in ping command.
func (conn *Connection) Ping(ctx context.Context) error {
	_, err := conn.Call(ctx, CommandPing, nil)
	return err
}
