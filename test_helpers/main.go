// Helpers for running servers and mock databases in tests.
//
// StartServer runs an in-process server on a loopback port. Mock pool
// connections let pool tests inject failures without a database.
package test_helpers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ice-blockchain/go-ra"
)

type StartOpts struct {
	// Listen is an address to listen on. Default is 127.0.0.1:0.
	Listen string
	// Dispatcher serves requests. Default is an empty dispatcher.
	Dispatcher *ra.Dispatcher
	// Server configures the server.
	Server ra.ServerOpts
	// WaitStart is a time to wait until the listener accepts connections.
	WaitStart time.Duration
}

// Instance is a server running in the test process.
type Instance struct {
	Server *ra.Server
	Addr   string

	served   chan error
	waitOnce sync.Once
	serveErr error
}

// StartServer starts a server and waits until it accepts connections.
func StartServer(opts StartOpts) (*Instance, error) {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = ra.NewDispatcher(ra.DispatcherOpts{Logger: opts.Server.Logger})
	}
	if opts.WaitStart == 0 {
		opts.WaitStart = 2 * time.Second
	}

	ln, err := ra.Listen(opts.Listen, opts.Server.Transport, opts.Server.Ssl)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	inst := &Instance{
		Server: ra.NewServer(opts.Dispatcher, opts.Server),
		Addr:   ln.Addr().String(),
		served: make(chan error, 1),
	}
	go func() {
		inst.served <- inst.Server.Serve(ln)
	}()

	deadline := time.Now().Add(opts.WaitStart)
	for {
		conn, err := net.DialTimeout("tcp", inst.Addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return inst, nil
		}
		if time.Now().After(deadline) {
			inst.Server.Close()
			return nil, fmt.Errorf("server is not started: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (inst *Instance) wait() error {
	inst.waitOnce.Do(func() {
		inst.serveErr = <-inst.served
	})
	if errors.Is(inst.serveErr, ra.ErrServerClosed) {
		return nil
	}
	return inst.serveErr
}

// Stop closes the server and waits for Serve to return. It may be called
// more than once.
func (inst *Instance) Stop() error {
	err := inst.Server.Close()
	if serr := inst.wait(); serr != nil {
		return serr
	}
	return err
}

// Shutdown gracefully stops the server.
func (inst *Instance) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := inst.Server.Shutdown(ctx)
	inst.wait()
	return err
}

// GetConnectContext returns a context for connecting in tests.
func GetConnectContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 500*time.Millisecond)
}
