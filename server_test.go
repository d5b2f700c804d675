package ra_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	. "github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/test_helpers"
)

const (
	cmdEcho   = CommandID(1)
	cmdSleep  = CommandID(2)
	cmdBlock  = CommandID(3)
	cmdConnID = CommandID(4)

	cmdNotice = CommandID(50)
)

type testServer struct {
	*test_helpers.Instance
	rec     *test_helpers.EventRecorder
	release chan struct{}
	once    sync.Once
}

func (ts *testServer) unblock() {
	ts.once.Do(func() { close(ts.release) })
}

func startTestServer(t *testing.T, opts ServerOpts) *testServer {
	t.Helper()

	ts := &testServer{
		rec:     &test_helpers.EventRecorder{},
		release: make(chan struct{}),
	}
	if opts.Logger == nil {
		opts.Logger = ts.rec
	}
	d := NewDispatcher(DispatcherOpts{Logger: opts.Logger})
	d.RegisterFunc(cmdEcho, func(req *Request) Response {
		params, err := req.Params()
		if err != nil {
			return ErrorResponse(err)
		}
		return OK(params)
	})
	d.RegisterFunc(cmdSleep, func(req *Request) Response {
		var ms int
		if err := req.Decode(&ms); err != nil {
			return ErrorResponse(err)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return OK(ms)
	})
	d.RegisterFunc(cmdBlock, func(req *Request) Response {
		<-ts.release
		return OK(nil)
	})
	d.RegisterFunc(cmdConnID, func(req *Request) Response {
		return OK(req.Conn.ID().String())
	})

	inst, err := test_helpers.StartServer(test_helpers.StartOpts{Dispatcher: d, Server: opts})
	require.NoError(t, err)
	ts.Instance = inst
	t.Cleanup(func() {
		ts.unblock()
		inst.Stop()
	})
	return ts
}

func requestFrame(t *testing.T, cmd CommandID, sync uint32, params interface{}) Frame {
	t.Helper()
	f, err := NewRequestFrame(cmd, sync, params)
	require.NoError(t, err)
	return f
}

func readResponse(t *testing.T, conn *test_helpers.RawConn) (Frame, *Response) {
	t.Helper()
	frame, err := conn.ReadFrame(2 * time.Second)
	require.NoError(t, err)
	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	return frame, resp
}

func requireClosedByServer(t *testing.T, conn *test_helpers.RawConn) {
	t.Helper()
	for {
		_, err := conn.ReadFrame(2 * time.Second)
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(t, errors.As(err, &ne) && ne.Timeout(), "connection is not closed: %v", err)
		return
	}
}

func TestServer_ResponsesInRequestOrder(t *testing.T) {
	ts := startTestServer(t, ServerOpts{Workers: 4})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	// Earlier requests take longer, so handlers finish in reverse order.
	require.NoError(t, conn.WriteFrames(
		requestFrame(t, cmdSleep, 1, 150),
		requestFrame(t, cmdSleep, 2, 100),
		requestFrame(t, cmdSleep, 3, 50),
		requestFrame(t, cmdEcho, 4, []interface{}{"now"}),
	))

	for sync := uint32(1); sync <= 4; sync++ {
		frame, resp := readResponse(t, conn)
		assert.Equal(t, sync, frame.Sync)
		assert.Equal(t, StatusOK, resp.Status)
	}
}

func TestServer_DispatchesByCommand(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(
		requestFrame(t, cmdEcho, 1, []interface{}{"a"}),
		requestFrame(t, 99, 2, nil),
		requestFrame(t, CommandPing, 3, nil),
	))

	frame, resp := readResponse(t, conn)
	assert.Equal(t, cmdEcho, frame.Command)
	body, err := resp.Decode()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a"}, body)

	frame, resp = readResponse(t, conn)
	assert.Equal(t, CommandID(99), frame.Command)
	assert.Equal(t, StatusCommandNotFound, resp.Status)

	frame, resp = readResponse(t, conn)
	assert.Equal(t, CommandPing, frame.Command)
	assert.Equal(t, StatusOK, resp.Status)

	// The connection survives an unknown command.
	require.NoError(t, conn.WriteFrames(requestFrame(t, cmdEcho, 4, []interface{}{1})))
	frame, _ = readResponse(t, conn)
	assert.Equal(t, uint32(4), frame.Sync)
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	cases := map[string]func(t *testing.T) []byte{
		"bad magic": func(t *testing.T) []byte {
			b := EncodeFrame(requestFrame(t, cmdEcho, 1, nil))
			b[0] = 0x42
			return b
		},
		"too long": func(t *testing.T) []byte {
			return EncodeFrame(Frame{Command: cmdEcho, Sync: 1, Payload: make([]byte, 2048)})
		},
		"response frame": func(t *testing.T) []byte {
			return EncodeFrame(Frame{Flags: FlagResponse, Command: cmdEcho, Sync: 1})
		},
		"bad compression": func(t *testing.T) []byte {
			return EncodeFrame(Frame{Flags: FlagCompressed, Command: cmdEcho, Sync: 1, Payload: []byte("zz")})
		},
	}
	for name, packet := range cases {
		t.Run(name, func(t *testing.T) {
			ts := startTestServer(t, ServerOpts{MaxPayload: 1024})
			conn := test_helpers.DialRaw(t, ts.Addr)
			defer conn.Close()

			_, err := conn.Write(packet(t))
			require.NoError(t, err)
			requireClosedByServer(t, conn)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ev, ok := ts.rec.WaitEvent(ctx, "frame_decode_failed")
			require.True(t, ok)
			var malformed *MalformedFrameError
			assert.True(t, errors.As(ev.(FrameDecodeFailedEvent).Error, &malformed))
		})
	}
}

func TestServer_OverflowClosesConnection(t *testing.T) {
	ts := startTestServer(t, ServerOpts{MaxPending: 2})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(
		requestFrame(t, cmdBlock, 1, nil),
		requestFrame(t, cmdBlock, 2, nil),
		requestFrame(t, cmdBlock, 3, nil),
	))
	requireClosedByServer(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := ts.rec.WaitEvent(ctx, "outbound_overflow")
	require.True(t, ok)
	assert.Equal(t, 2, ev.(OutboundOverflowEvent).Pending)
}

func TestServer_CloseDiscardsQueuedResponses(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	const queued = 3
	var frames []Frame
	for i := 1; i <= queued; i++ {
		frames = append(frames, requestFrame(t, cmdBlock, uint32(i), nil))
	}
	require.NoError(t, conn.WriteFrames(frames...))
	require.Eventually(t, func() bool {
		return ts.Server.Stats().Total() == 1
	}, 2*time.Second, 5*time.Millisecond)
	// Wait until the requests are read.
	time.Sleep(50 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- ts.Stop() }()

	var discarded int
	require.Eventually(t, func() bool {
		for _, ev := range ts.rec.Events("connection_closed") {
			if n := ev.(ConnectionClosedEvent).Discarded; n > 0 {
				discarded = n
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, queued, discarded)

	// Handlers complete after the close, their responses are dropped.
	ts.unblock()
	require.NoError(t, <-closed)
	requireClosedByServer(t, conn)
}

func TestServer_RateLimitDrop(t *testing.T) {
	ts := startTestServer(t, ServerOpts{RateLimit: rate.Limit(1), RateBurst: 1})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(
		requestFrame(t, cmdEcho, 1, nil),
		requestFrame(t, cmdEcho, 2, nil),
		requestFrame(t, cmdEcho, 3, nil),
	))

	expected := []StatusCode{StatusOK, StatusRateLimited, StatusRateLimited}
	for i, status := range expected {
		frame, resp := readResponse(t, conn)
		assert.Equal(t, uint32(i+1), frame.Sync)
		assert.Equal(t, status, resp.Status)
	}
	assert.Len(t, ts.rec.Events("rate_limited"), 2)
}

func TestServer_RateLimitWait(t *testing.T) {
	ts := startTestServer(t, ServerOpts{
		RateLimit:    rate.Limit(20),
		RateBurst:    1,
		RLimitAction: RLimitWait,
	})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	start := time.Now()
	require.NoError(t, conn.WriteFrames(
		requestFrame(t, cmdEcho, 1, nil),
		requestFrame(t, cmdEcho, 2, nil),
		requestFrame(t, cmdEcho, 3, nil),
	))
	for i := 0; i < 3; i++ {
		_, resp := readResponse(t, conn)
		assert.Equal(t, StatusOK, resp.Status)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Empty(t, ts.rec.Events("rate_limited"))
}

func TestServer_IdleTimeout(t *testing.T) {
	ts := startTestServer(t, ServerOpts{IdleTimeout: 100 * time.Millisecond})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(requestFrame(t, CommandPing, 1, nil)))
	readResponse(t, conn)

	start := time.Now()
	requireClosedByServer(t, conn)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestServer_ShutdownDrainsResponses(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(requestFrame(t, cmdSleep, 1, 100)))
	require.Eventually(t, func() bool {
		return ts.Server.Stats().Total() == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- ts.Shutdown(2 * time.Second) }()

	frame, resp := readResponse(t, conn)
	assert.Equal(t, uint32(1), frame.Sync)
	assert.Equal(t, StatusOK, resp.Status)
	requireClosedByServer(t, conn)
	require.NoError(t, <-done)

	// New connections are refused.
	_, err := net.DialTimeout("tcp", ts.Addr, 100*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_ServeAfterClose(t *testing.T) {
	srv := NewServer(NewDispatcher(DispatcherOpts{Logger: NopLogger{}}), ServerOpts{Logger: NopLogger{}})
	require.NoError(t, srv.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
	assert.ErrorIs(t, srv.Shutdown(context.Background()), ErrServerClosed)
}

func TestServer_LoopsBalanceConnections(t *testing.T) {
	ts := startTestServer(t, ServerOpts{Loops: 3})
	require.Eventually(t, func() bool {
		return ts.Server.Stats().Total() == 0
	}, 2*time.Second, 5*time.Millisecond)

	var conns []*test_helpers.RawConn
	for i := 0; i < 6; i++ {
		conn := test_helpers.DialRaw(t, ts.Addr)
		defer conn.Close()
		require.NoError(t, conn.WriteFrames(requestFrame(t, CommandPing, 1, nil)))
		readResponse(t, conn)
		conns = append(conns, conn)
	}

	assert.Equal(t, []int64{2, 2, 2}, ts.Server.Stats().Connections)
	assert.Len(t, conns, 6)
}

func TestServer_CompressedResponses(t *testing.T) {
	ts := startTestServer(t, ServerOpts{CompressThreshold: 64})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	big := make([]interface{}, 200)
	for i := range big {
		big[i] = "repeated value"
	}
	require.NoError(t, conn.WriteFrames(requestFrame(t, cmdEcho, 1, big)))

	frame, err := conn.ReadFrame(2 * time.Second)
	require.NoError(t, err)
	require.NotZero(t, frame.Flags&FlagCompressed)

	frame, err = DecompressFrame(frame, DefaultMaxPayload)
	require.NoError(t, err)
	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	body, err := resp.Decode()
	require.NoError(t, err)
	assert.Len(t, body, 200)
}

type pushed struct {
	cmd  CommandID
	body interface{}
}

func pushOpts() (Opts, <-chan pushed) {
	ch := make(chan pushed, 16)
	opts := clientOpts
	opts.OnPush = func(cmd CommandID, msg *Response) {
		body, _ := msg.Decode()
		ch <- pushed{cmd: cmd, body: body}
	}
	return opts, ch
}

func receivePush(t *testing.T, ch <-chan pushed) pushed {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no message is pushed")
	}
	return pushed{}
}

func serverConnID(t *testing.T, conn *Connection) uuid.UUID {
	t.Helper()
	var s string
	require.NoError(t, conn.CallTyped(context.Background(), cmdConnID, nil, &s))
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestServer_SendFrame(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	conn := test_helpers.DialRaw(t, ts.Addr)
	defer conn.Close()

	require.NoError(t, conn.WriteFrames(requestFrame(t, cmdConnID, 1, nil)))
	_, resp := readResponse(t, conn)
	var s string
	require.NoError(t, resp.DecodeTyped(&s))
	id, err := uuid.Parse(s)
	require.NoError(t, err)

	require.NoError(t, ts.Server.Send(id, cmdNotice, "hello"))
	frame, resp := readResponse(t, conn)
	assert.True(t, frame.IsResponse())
	assert.Equal(t, PushSync, frame.Sync)
	assert.Equal(t, cmdNotice, frame.Command)
	assert.Equal(t, StatusOK, resp.Status)
	var body string
	require.NoError(t, resp.DecodeTyped(&body))
	assert.Equal(t, "hello", body)
}

func TestServer_Send(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	opts, pushes := pushOpts()
	rec := &test_helpers.EventRecorder{}
	opts.Logger = rec
	conn := test_helpers.ConnectWithValidation(t, ts.Addr, opts)
	defer conn.Close()

	id := serverConnID(t, conn)
	require.NoError(t, ts.Server.Send(id, cmdNotice, "hello"))
	assert.Equal(t, pushed{cmd: cmdNotice, body: "hello"}, receivePush(t, pushes))

	// Pushes do not disturb requests.
	require.NoError(t, conn.Ping(context.Background()))
	assert.Empty(t, rec.Events("unexpected_result_id"))

	err := ts.Server.Send(uuid.New(), cmdNotice, "nobody")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestServer_Broadcast(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	opts, pushes := pushOpts()
	first := test_helpers.ConnectWithValidation(t, ts.Addr, opts)
	defer first.Close()
	second := test_helpers.ConnectWithValidation(t, ts.Addr, opts)
	defer second.Close()
	require.NoError(t, first.Ping(context.Background()))
	require.NoError(t, second.Ping(context.Background()))

	require.NoError(t, ts.Server.Broadcast(cmdNotice, []interface{}{"all"}))
	for i := 0; i < 2; i++ {
		assert.Equal(t, pushed{cmd: cmdNotice, body: []interface{}{"all"}}, receivePush(t, pushes))
	}
}

func TestServer_SendClose(t *testing.T) {
	ts := startTestServer(t, ServerOpts{})
	opts, pushes := pushOpts()
	conn := test_helpers.ConnectWithValidation(t, ts.Addr, opts)
	defer conn.Close()

	id := serverConnID(t, conn)
	require.NoError(t, ts.Server.SendClose(id, cmdNotice, "bye"))
	assert.Equal(t, pushed{cmd: cmdNotice, body: "bye"}, receivePush(t, pushes))

	require.Eventually(t, conn.ClosedNow, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return errors.Is(ts.Server.Send(id, cmdNotice, "late"), ErrConnectionNotFound)
	}, 2*time.Second, 5*time.Millisecond)
}
