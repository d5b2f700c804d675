package ra

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ConnContext describes a server connection a request arrived on.
type ConnContext interface {
	// ID returns a unique connection id.
	ID() uuid.UUID
	// RemoteAddr returns a peer address.
	RemoteAddr() net.Addr
	// ConnectedAt returns a time the connection was accepted.
	ConnectedAt() time.Time
	// Context returns a context canceled when the connection is closed.
	Context() context.Context
}

// Request is a decoded request frame.
type Request struct {
	Command CommandID
	Sync    uint32
	// Payload is a msgpack encoded request parameters. It may be empty.
	Payload []byte
	// Conn is a connection the request arrived on.
	Conn ConnContext
}

// Decode decodes request parameters into v.
func (req *Request) Decode(v interface{}) error {
	if len(req.Payload) == 0 {
		return &ValidationError{Msg: "empty request payload"}
	}
	if err := unmarshal(req.Payload, v); err != nil {
		return &ValidationError{Msg: fmt.Sprintf("decode params: %s", err)}
	}
	return nil
}

// Params decodes request parameters as an array. An empty payload
// produces an empty array.
func (req *Request) Params() ([]interface{}, error) {
	if len(req.Payload) == 0 {
		return []interface{}{}, nil
	}
	var params []interface{}
	if err := req.Decode(&params); err != nil {
		return nil, err
	}
	return params, nil
}

// Context returns a context of the connection or context.Background for a
// request without a connection.
func (req *Request) Context() context.Context {
	if req.Conn == nil {
		return context.Background()
	}
	return req.Conn.Context()
}

func newRequestFrame(cmd CommandID, sync uint32, params interface{}) (Frame, error) {
	frame := Frame{Command: cmd, Sync: sync}
	if params == nil {
		return frame, nil
	}
	payload, err := marshal(params)
	if err != nil {
		return Frame{}, fmt.Errorf("pack error: %w", err)
	}
	frame.Payload = payload
	return frame, nil
}
