package test_helpers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ice-blockchain/go-ra"
)

// MockConnContext is a ra.ConnContext of a request built without a
// server.
type MockConnContext struct {
	Id   uuid.UUID
	Addr net.Addr
	At   time.Time
	Ctx  context.Context
}

var _ ra.ConnContext = (*MockConnContext)(nil)

// NewMockConnContext creates a connection context with a random id.
func NewMockConnContext() *MockConnContext {
	return &MockConnContext{
		Id:   uuid.New(),
		Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		At:   time.Now(),
		Ctx:  context.Background(),
	}
}

func (c *MockConnContext) ID() uuid.UUID            { return c.Id }
func (c *MockConnContext) RemoteAddr() net.Addr     { return c.Addr }
func (c *MockConnContext) ConnectedAt() time.Time   { return c.At }
func (c *MockConnContext) Context() context.Context { return c.Ctx }

// NewMockRequest creates a request with msgpack encoded params arrived on
// a mock connection. Nil params produce an empty payload.
func NewMockRequest(t testing.TB, cmd ra.CommandID, params interface{}) *ra.Request {
	t.Helper()

	req := &ra.Request{Command: cmd, Conn: NewMockConnContext()}
	if params == nil {
		return req
	}
	payload, err := msgpack.Marshal(params)
	if err != nil {
		t.Fatalf("Failed to encode params: %s", err)
	}
	req.Payload = payload
	return req
}
