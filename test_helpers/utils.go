package test_helpers

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ice-blockchain/go-ra"
)

// ConnectWithValidation tries to connect to a server.
// It returns a valid connection if it is successful, otherwise finishes a test
// with an error.
func ConnectWithValidation(t testing.TB, addr string, opts ra.Opts) *ra.Connection {
	t.Helper()

	ctx, cancel := GetConnectContext()
	defer cancel()
	conn, err := ra.Connect(ctx, addr, opts)
	if err != nil {
		t.Fatalf("Failed to connect: %s", err.Error())
	}
	if conn == nil {
		t.Fatalf("conn is nil after Connect")
	}
	return conn
}

// RawConn exchanges frames with a server bypassing the client.
type RawConn struct {
	net.Conn
	dec *ra.Decoder
	buf []byte
	got []ra.Frame
}

// DialRaw connects to a server.
func DialRaw(t testing.TB, addr string) *RawConn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("Failed to dial: %s", err)
	}
	return &RawConn{Conn: conn, dec: ra.NewDecoder(0), buf: make([]byte, 4096)}
}

// WriteFrames writes frames in a single write.
func (c *RawConn) WriteFrames(frames ...ra.Frame) error {
	var packet []byte
	for _, f := range frames {
		packet = ra.AppendFrame(packet, f)
	}
	_, err := c.Write(packet)
	return err
}

// ReadFrame reads a next frame within the timeout.
func (c *RawConn) ReadFrame(timeout time.Duration) (ra.Frame, error) {
	c.SetReadDeadline(time.Now().Add(timeout))
	for len(c.got) == 0 {
		n, err := c.Read(c.buf)
		p := c.buf[:n]
		for len(p) > 0 {
			frame, ok, used, derr := c.dec.Decode(p)
			p = p[used:]
			if derr != nil {
				return ra.Frame{}, derr
			}
			if ok {
				c.got = append(c.got, frame)
			}
		}
		if err != nil && len(c.got) == 0 {
			return ra.Frame{}, err
		}
	}
	frame := c.got[0]
	c.got = c.got[1:]
	return frame, nil
}

// EventRecorder is a ra.Logger keeping reported events.
type EventRecorder struct {
	mu     sync.Mutex
	events []ra.LogEvent
}

func (r *EventRecorder) Report(event ra.LogEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns reported events with the name.
func (r *EventRecorder) Events(name string) []ra.LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []ra.LogEvent
	for _, e := range r.events {
		if e.EventName() == name {
			events = append(events, e)
		}
	}
	return events
}

// WaitEvent waits until an event with the name is reported.
func (r *EventRecorder) WaitEvent(ctx context.Context, name string) (ra.LogEvent, bool) {
	for {
		if events := r.Events(name); len(events) > 0 {
			return events[0], true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(5 * time.Millisecond):
		}
	}
}
