package ra

import (
	"context"
	"errors"
	"fmt"
)

// StatusCode is a response status.
type StatusCode uint16

// String returns a status name.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCommandNotFound:
		return "command not found"
	case StatusValidation:
		return "validation failed"
	case StatusInternal:
		return "internal error"
	case StatusRateLimited:
		return "rate limited"
	case StatusPoolExhausted:
		return "pool exhausted"
	case StatusTimeout:
		return "timeout"
	case StatusConnectivityLost:
		return "connectivity lost"
	case StatusExecution:
		return "execution failed"
	case StatusShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("unknown status (%d)", uint16(s))
}

// MalformedFrameError is returned by a Decoder for a stream that can't be
// parsed. A connection that produced it is closed.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

// CommandNotFoundError is reported for a request with an unregistered
// command id. The connection stays open.
type CommandNotFoundError struct {
	Command CommandID
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %d not found", e.Command)
}

// ValidationError is returned by a Validator to reject a request before it
// reaches a handler.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Msg
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// ServerError is an error response received by a client.
type ServerError struct {
	Status StatusCode
	Msg    string
}

// Error converts a ServerError to a string.
func (srverr ServerError) Error() string {
	if srverr.Msg == "" {
		return srverr.Status.String()
	}
	return fmt.Sprintf("%s: %s", srverr.Status, srverr.Msg)
}

// ClientError is connection error produced by this client,
// i.e. connection failures or timeouts.
type ClientError struct {
	Code uint32
	Msg  string
}

// Error converts a ClientError to a string.
func (clierr ClientError) Error() string {
	return fmt.Sprintf("%s (0x%x)", clierr.Msg, clierr.Code)
}

// Temporary returns true if next attempt to perform request may succeeded.
//
// Currently it returns true when:
//
// - Connection is not connected at the moment
//
// - request is timeouted
func (clierr ClientError) Temporary() bool {
	switch clierr.Code {
	case ErrConnectionNotReady, ErrTimeouted:
		return true
	default:
		return false
	}
}

// Client error codes.
const (
	ErrConnectionNotReady = 0x4000 + iota
	ErrConnectionClosed   = 0x4000 + iota
	ErrProtocolError      = 0x4000 + iota
	ErrTimeouted          = 0x4000 + iota
	ErrRateLimited        = 0x4000 + iota
	ErrConnectionShutdown = 0x4000 + iota
)

var (
	// ErrServerClosed is returned by Serve after Shutdown or Close.
	ErrServerClosed = errors.New("ra: server closed")
	// ErrConnectionNotFound is returned by Send when a connection with
	// the id is not open.
	ErrConnectionNotFound = errors.New("ra: connection not found")
)

// StatusCoder is implemented by errors that map to a response status.
// Errors of the pool package implement it.
type StatusCoder interface {
	StatusCode() StatusCode
}

// StatusFromError maps an error returned to a handler to a response status.
func StatusFromError(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var (
		coder    StatusCoder
		notFound *CommandNotFoundError
		invalid  *ValidationError
		srverr   ServerError
	)
	switch {
	case errors.As(err, &coder):
		return coder.StatusCode()
	case errors.As(err, &notFound):
		return StatusCommandNotFound
	case errors.As(err, &invalid):
		return StatusValidation
	case errors.As(err, &srverr):
		return srverr.Status
	case errors.Is(err, ErrServerClosed):
		return StatusShutdown
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	}
	return StatusInternal
}
