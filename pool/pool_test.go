package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-ra"
	. "github.com/ice-blockchain/go-ra/pool"
	"github.com/ice-blockchain/go-ra/test_helpers"
)

const waitFor = 3 * time.Second

func newPool(t *testing.T, c Connector, opts Opts) *Pool {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = ra.NopLogger{}
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	p, err := New(context.Background(), c, opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func mockConn(l *Lease) *test_helpers.MockConn {
	return l.Conn().(*test_helpers.MockConn)
}

func TestNew_WrongConfig(t *testing.T) {
	cases := map[string]Opts{
		"negative size":  {Size: -1},
		"negative min":   {Size: 2, MinAvailable: -1},
		"min above size": {Size: 2, MinAvailable: 3},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := New(context.Background(), &test_helpers.MockConnector{}, opts)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrWrongConfig)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{})

	opts := p.Opts()
	assert.Equal(t, DefaultSize, opts.Size)
	assert.Equal(t, DefaultAcquireTimeout, opts.AcquireTimeout)
	assert.Equal(t, DefaultFetchSize, opts.FetchSize)
	assert.Equal(t, uint(DefaultReconnectRetries), opts.ReconnectBackoff.MaxRetries)
	// Connections are opened on demand.
	assert.Equal(t, 0, c.Opened())
	assert.Equal(t, Stats{Target: DefaultSize, States: map[State]int{}}, p.Stats())
}

func TestNew_MinAvailable(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{Size: 3, MinAvailable: 2})

	assert.Equal(t, 2, c.Opened())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.States[StateAvailable])
}

func TestNew_ConnectFailure(t *testing.T) {
	c := &test_helpers.MockConnector{}
	c.SetDown(true)

	p, err := New(context.Background(), c, Opts{
		Size:         2,
		MinAvailable: 1,
		Logger:       ra.NopLogger{},
	})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, test_helpers.ErrMockConnect)

	p = newPool(t, c, Opts{Size: 2, MinAvailable: 1, Lazy: true})
	assert.Equal(t, 0, p.Stats().Total)
}

func TestAcquire_LIFO(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{Size: 3})

	leases := make([]*Lease, 3)
	for i := range leases {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		leases[i] = l
	}
	assert.Equal(t, 3, c.Opened())
	for _, l := range leases {
		p.Release(l)
	}

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, leases[2].ConnID(), l.ConnID())
	l2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, leases[1].ConnID(), l2.ConnID())
	assert.Equal(t, 3, c.Opened())
}

func TestAcquire_MoreClientsThanConnections(t *testing.T) {
	const (
		size    = 3
		clients = 20
	)
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{Size: size})

	var (
		wg        sync.WaitGroup
		active    int32
		maxActive int32
		failed    int32
	)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				atomic.AddInt32(&failed, 1)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			l.Release()
		}()
	}
	wg.Wait()

	assert.Zero(t, failed)
	assert.LessOrEqual(t, maxActive, int32(size))
	assert.Equal(t, size, c.Opened())
	stats := p.Stats()
	assert.Equal(t, size, stats.States[StateAvailable])
	assert.Zero(t, stats.Waiters)
}

func TestAcquire_WaitersFIFO(t *testing.T) {
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 1})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			l, err := p.Acquire(context.Background())
			if err != nil {
				order <- -i
				return
			}
			order <- i
			time.Sleep(10 * time.Millisecond)
			l.Release()
		}()
		require.Eventually(t, func() bool {
			return p.Stats().Waiters == i
		}, waitFor, time.Millisecond)
	}

	held.Release()
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestAcquire_NoWait(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 1, NoWait: true, Logger: rec})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, ra.StatusPoolExhausted, ra.StatusFromError(err))
	assert.Len(t, rec.Events("pool_exhausted"), 1)
}

func TestAcquire_Timeout(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, &test_helpers.MockConnector{}, Opts{
		Size:           1,
		AcquireTimeout: 50 * time.Millisecond,
		Logger:         rec,
	})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	_, err = p.Acquire(context.Background())
	var timeoutErr *AcquireTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.GreaterOrEqual(t, timeoutErr.Waited, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ra.StatusTimeout, ra.StatusFromError(err))
	assert.Zero(t, p.Stats().Waiters)
	assert.Len(t, rec.Events("acquire_timeout"), 1)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 1})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_ConnectFailure(t *testing.T) {
	c := &test_helpers.MockConnector{}
	c.SetDown(true)
	p := newPool(t, c, Opts{Size: 1})

	_, err := p.Acquire(context.Background())
	var lost *ConnectivityLostError
	require.ErrorAs(t, err, &lost)
	assert.ErrorIs(t, err, test_helpers.ErrMockConnect)
	assert.Equal(t, 0, p.Stats().Total)

	c.SetDown(false)
	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release()
}

func TestRelease_Twice(t *testing.T) {
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 2})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release()
	l.Release()
	assert.True(t, l.Released())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.States[StateAvailable])
}

func TestHeartbeat_DeadConnectionIsNotLeased(t *testing.T) {
	c := &test_helpers.MockConnector{}
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, c, Opts{
		Size:              2,
		MinAvailable:      2,
		HeartbeatInterval: 10 * time.Millisecond,
		StaleAfter:        time.Millisecond,
		ReconnectBackoff:  BackoffOpts{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		Logger:            rec,
	})

	broken := c.Conns()[0]
	broken.Break()

	require.Eventually(t, func() bool {
		return broken.IsClosed() && c.Opened() == 3
	}, waitFor, 5*time.Millisecond)
	assert.NotEmpty(t, rec.Events("heartbeat_failed"))

	for i := 0; i < 2; i++ {
		l, err := p.Acquire(context.Background())
		require.NoError(t, err)
		defer l.Release()
		assert.NotEqual(t, broken.ID, mockConn(l).ID)
	}
}

func TestHeartbeat_HungPingTimesOut(t *testing.T) {
	c := &test_helpers.MockConnector{}
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, c, Opts{
		Size:              1,
		MinAvailable:      1,
		HeartbeatInterval: 10 * time.Millisecond,
		StaleAfter:        time.Millisecond,
		ProbeTimeout:      20 * time.Millisecond,
		ReconnectBackoff:  BackoffOpts{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
		Logger:            rec,
	})

	hung := c.Conns()[0]
	hung.HangNext(false)

	require.Eventually(t, func() bool {
		return hung.IsClosed() && c.Opened() == 2
	}, waitFor, 5*time.Millisecond)

	failed := rec.Events("heartbeat_failed")
	require.NotEmpty(t, failed)
	assert.ErrorIs(t, failed[0].(HeartbeatFailedEvent).Error, context.DeadlineExceeded)

	var dead bool
	for _, e := range rec.Events("state_changed") {
		if sc := e.(StateChangedEvent); sc.From == StateProbing && sc.To == StateDead {
			dead = true
		}
	}
	assert.True(t, dead)

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()
	assert.NotEqual(t, hung.ID, mockConn(l).ID)
}

func TestHeartbeat_LeasedConnectionsAreNotProbed(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{
		Size:              1,
		HeartbeatInterval: 5 * time.Millisecond,
		StaleAfter:        time.Millisecond,
	})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, mockConn(l).Pings())
	l.Release()

	require.Eventually(t, func() bool {
		return mockConn(l).Pings() > 0
	}, waitFor, 5*time.Millisecond)
}

func TestReconnect_ExhaustedRemovesConnection(t *testing.T) {
	c := &test_helpers.MockConnector{}
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, c, Opts{
		Size: 2,
		ReconnectBackoff: BackoffOpts{
			Initial:    5 * time.Millisecond,
			Max:        10 * time.Millisecond,
			MaxRetries: 2,
		},
		Logger: rec,
	})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.SetDown(true)
	l.MarkFailed()
	l.Release()

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Target == 1 && stats.Total == 0
	}, waitFor, 5*time.Millisecond)

	require.Len(t, rec.Events("connection_removed"), 1)
	results := rec.Events("reconnect_result")
	require.Len(t, results, 1)
	assert.EqualValues(t, 3, results[0].(ReconnectResultEvent).Attempts)
	assert.Len(t, rec.Events("reconnect_attempt"), 2)
}

func TestReconnect_Succeeds(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{
		Size:             1,
		ReconnectBackoff: BackoffOpts{Initial: 5 * time.Millisecond},
	})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := mockConn(l)
	l.MarkFailed()
	l.Release()

	require.Eventually(t, func() bool {
		return p.Stats().States[StateAvailable] == 1
	}, waitFor, 5*time.Millisecond)
	assert.True(t, first.IsClosed())

	l, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()
	// The pooled connection keeps its id across reconnects.
	assert.Equal(t, uint64(1), l.ConnID())
	assert.NotEqual(t, first.ID, mockConn(l).ID)
}

func TestHeartbeat_ReplenishesTarget(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{
		Size:              2,
		HeartbeatInterval: 10 * time.Millisecond,
		StaleAfter:        time.Hour,
		ReconnectBackoff: BackoffOpts{
			Initial:    time.Millisecond,
			Max:        time.Millisecond,
			MaxRetries: 1,
		},
	})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c.SetDown(true)
	l.MarkFailed()
	l.Release()

	require.Eventually(t, func() bool {
		return p.Stats().Target == 1
	}, waitFor, time.Millisecond)

	c.SetDown(false)
	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Target == 2 && stats.Total == 1
	}, waitFor, 5*time.Millisecond)
}

func TestClose(t *testing.T) {
	c := &test_helpers.MockConnector{}
	p := newPool(t, c, Opts{Size: 2})

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	leased, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Close(), ErrPoolClosed)
	assert.True(t, mockConn(idle).IsClosed())
	assert.False(t, mockConn(leased).IsClosed())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	leased.Release()
	assert.True(t, mockConn(leased).IsClosed())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestClose_WakesWaiters(t *testing.T) {
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 1})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer l.Release()

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		return p.Stats().Waiters == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-done, ErrPoolClosed)
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateCreated, StateAvailable},
		{StateAvailable, StateLeased},
		{StateLeased, StateAvailable},
		{StateAvailable, StateProbing},
		{StateProbing, StateAvailable},
		{StateProbing, StateDead},
		{StateLeased, StateDead},
		{StateDead, StateCreated},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	forbidden := []struct{ from, to State }{
		{StateLeased, StateProbing},
		{StateDead, StateAvailable},
		{StateDead, StateLeased},
		{StateCreated, StateLeased},
		{StateProbing, StateLeased},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "probing", StateProbing.String())
	assert.Equal(t, "unknown state (42)", State(42).String())
}

func TestStats_Events(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	p := newPool(t, &test_helpers.MockConnector{}, Opts{Size: 1, Logger: rec})

	l, err := p.Acquire(context.Background())
	require.NoError(t, err)
	l.Release()

	var got []string
	for _, ev := range rec.Events("state_changed") {
		sc := ev.(StateChangedEvent)
		got = append(got, sc.From.String()+"->"+sc.To.String())
	}
	assert.Equal(t, []string{"created->available", "available->leased", "leased->available"}, got)
}
