package ra_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/test_helpers"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		address string
		network string
		addr    string
	}{
		{"192.168.1.1:3301", "tcp", "192.168.1.1:3301"},
		{"my.host:3301", "tcp", "my.host:3301"},
		{"tcp://my.host:3301", "tcp", "my.host:3301"},
		{"tcp:my.host:3301", "tcp", "my.host:3301"},
		{"/abs/path/ra.sock", "unix", "/abs/path/ra.sock"},
		{"./rel/path/ra.sock", "unix", "./rel/path/ra.sock"},
		{"unix:///abs/path/ra.sock", "unix", "/abs/path/ra.sock"},
		{"unix:path/ra.sock", "unix", "path/ra.sock"},
		{"unix/:path/ra.sock", "unix", "path/ra.sock"},
	}

	for _, tc := range cases {
		t.Run(tc.address, func(t *testing.T) {
			network, addr := ParseAddress(tc.address)
			assert.Equal(t, tc.network, network)
			assert.Equal(t, tc.addr, addr)
		})
	}
}

func TestListen_UnsupportedTransport(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", "quic", SslOpts{})
	assert.Nil(t, ln)
	assert.EqualError(t, err, "unsupported transport type: quic")
}

func TestConnect_UnsupportedTransport(t *testing.T) {
	ctx, cancel := test_helpers.GetConnectContext()
	defer cancel()

	conn, err := Connect(ctx, "127.0.0.1:3301", Opts{Transport: "quic", Logger: NopLogger{}})
	assert.Nil(t, conn)
	assert.ErrorContains(t, err, "unsupported transport type: quic")
}

func TestUnixSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ra")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "ra.sock")

	ln, err := Listen("unix:"+path, "", SslOpts{})
	require.NoError(t, err)

	srv := NewServer(NewDispatcher(DispatcherOpts{Logger: NopLogger{}}),
		ServerOpts{Logger: NopLogger{}})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	defer func() {
		require.NoError(t, srv.Close())
		assert.ErrorIs(t, <-served, ErrServerClosed)
	}()

	ctx, cancel := test_helpers.GetConnectContext()
	defer cancel()
	conn, err := Connect(ctx, "unix:"+path, Opts{Logger: NopLogger{}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Ping(context.Background()))
}
