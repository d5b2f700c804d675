package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ice-blockchain/go-ra"
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrPoolExhausted  = errors.New("pool is exhausted")
	ErrAcquireTimeout = errors.New("acquire timeout")
	ErrLeaseReleased  = errors.New("lease is released")
	ErrCursorClosed   = errors.New("cursor is closed")
	ErrWrongConfig    = errors.New("wrong pool configuration")
)

// AcquireTimeoutError is returned by Acquire when no connection became
// available in time.
type AcquireTimeoutError struct {
	Waited time.Duration
	Err    error
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("acquire timeout after %s: %s", e.Waited, e.Err)
}

func (e *AcquireTimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

func (e *AcquireTimeoutError) Unwrap() error {
	return e.Err
}

func (e *AcquireTimeoutError) StatusCode() ra.StatusCode {
	return ra.StatusTimeout
}

// ConnectivityLostError means a connection broke during a statement. The
// lease that ran the statement is marked failed.
type ConnectivityLostError struct {
	Err error
}

func (e *ConnectivityLostError) Error() string {
	return "connectivity lost: " + e.Err.Error()
}

func (e *ConnectivityLostError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityLostError) StatusCode() ra.StatusCode {
	return ra.StatusConnectivityLost
}

// ExecutionError is a statement failure reported by a database. The
// connection stays usable.
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q: %s", e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) StatusCode() ra.StatusCode {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return ra.StatusTimeout
	}
	return ra.StatusExecution
}

type exhaustedError struct{}

func (exhaustedError) Error() string             { return ErrPoolExhausted.Error() }
func (exhaustedError) Is(target error) bool      { return target == ErrPoolExhausted }
func (exhaustedError) StatusCode() ra.StatusCode { return ra.StatusPoolExhausted }

// ConnectivityLoss is implemented by driver errors that know whether a
// connection is broken.
type ConnectivityLoss interface {
	ConnectivityLost() bool
}

// IsConnectivityLost reports whether err means a broken connection.
func IsConnectivityLost(err error) bool {
	if err == nil {
		return false
	}
	var loss ConnectivityLoss
	if errors.As(err, &loss) {
		return loss.ConnectivityLost()
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P01-57P03 are admin
		// shutdown and cannot connect now.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" ||
			pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03")
	}
	return false
}

// classify wraps a statement error.
func classify(stmt string, err error) error {
	if err == nil {
		return nil
	}
	var (
		lost *ConnectivityLostError
		exec *ExecutionError
	)
	if errors.As(err, &lost) || errors.As(err, &exec) {
		return err
	}
	if IsConnectivityLost(err) {
		return &ConnectivityLostError{Err: err}
	}
	return &ExecutionError{Statement: stmt, Err: err}
}
