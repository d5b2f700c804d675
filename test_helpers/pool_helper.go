package test_helpers

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/ice-blockchain/go-ra/pool"
)

// ErrMockConnect is returned by MockConnector while it is down.
var ErrMockConnect = errors.New("mock database is down")

// MockConnector opens MockConn connections. It can be switched down to
// fail connects.
type MockConnector struct {
	mu      sync.Mutex
	down    bool
	conns   []*MockConn
	Rows    func(stmt string, args []interface{}) *MockRows
	Results func(stmt string, args []interface{}) (pool.Result, error)
}

var _ pool.Connector = (*MockConnector)(nil)

func (c *MockConnector) Connect(ctx context.Context) (pool.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, ErrMockConnect
	}
	conn := &MockConn{connector: c, ID: len(c.conns) + 1}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// SetDown makes subsequent connects fail or succeed.
func (c *MockConnector) SetDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

// Conns returns all opened connections.
func (c *MockConnector) Conns() []*MockConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*MockConn(nil), c.conns...)
}

// Opened returns a number of successful connects.
func (c *MockConnector) Opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// MockConn is an in-memory pool.Conn.
type MockConn struct {
	ID        int
	connector *MockConnector

	mu          sync.Mutex
	broken      bool
	closed      bool
	hang        bool
	closeOnDone bool
	pings       int
	queries     []string
	txActive    bool
}

var (
	_ pool.Conn          = (*MockConn)(nil)
	_ pool.ClosedChecker = (*MockConn)(nil)
)

// Break makes all following calls fail with io.EOF.
func (c *MockConn) Break() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// HangNext makes the next Ping, Query or Exec block until its context is
// done. With closeOnDone the connection closes itself then, the way pgx
// does when a statement context expires.
func (c *MockConn) HangNext(closeOnDone bool) {
	c.mu.Lock()
	c.hang = true
	c.closeOnDone = closeOnDone
	c.mu.Unlock()
}

func (c *MockConn) wait(ctx context.Context) error {
	c.mu.Lock()
	hang, closeOnDone := c.hang, c.closeOnDone
	c.hang = false
	c.mu.Unlock()
	if !hang {
		return nil
	}
	<-ctx.Done()
	if closeOnDone {
		c.Close()
	}
	return ctx.Err()
}

func (c *MockConn) check() error {
	if c.closed {
		return errors.New("mock connection is closed")
	}
	if c.broken {
		return io.EOF
	}
	return nil
}

func (c *MockConn) Ping(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.check()
}

// Pings returns a number of Ping calls.
func (c *MockConn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// IsClosed reports whether the connection was closed.
func (c *MockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Queries returns statements run on the connection.
func (c *MockConn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

func (c *MockConn) Query(ctx context.Context, stmt string, args ...interface{}) (pool.Rows, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	c.queries = append(c.queries, stmt)
	if c.connector.Rows == nil {
		return NewMockRows([]string{"?column?"}), nil
	}
	rows := c.connector.Rows(stmt, args)
	if rows.QueryErr != nil {
		return nil, rows.QueryErr
	}
	return rows, nil
}

func (c *MockConn) Exec(ctx context.Context, stmt string, args ...interface{}) (pool.Result, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	c.queries = append(c.queries, stmt)
	if c.connector.Results == nil {
		return MockResult{Affected: 1}, nil
	}
	return c.connector.Results(stmt, args)
}

func (c *MockConn) Begin(ctx context.Context) (pool.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}
	c.queries = append(c.queries, "BEGIN")
	c.txActive = true
	return mockTx{conn: c}, nil
}

func (c *MockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type mockTx struct {
	conn *MockConn
}

func (t mockTx) Exec(ctx context.Context, stmt string, args ...interface{}) (pool.Result, error) {
	return t.conn.Exec(ctx, stmt, args...)
}

func (t mockTx) Commit(context.Context) error {
	return t.finish("COMMIT")
}

func (t mockTx) Rollback(context.Context) error {
	return t.finish("ROLLBACK")
}

func (t mockTx) finish(stmt string) error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.queries = append(t.conn.queries, stmt)
	t.conn.txActive = false
	return t.conn.check()
}

// MockResult is a fixed pool.Result.
type MockResult struct {
	InsertID int64
	Affected int64
}

func (r MockResult) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r MockResult) RowsAffected() (int64, error) { return r.Affected, nil }

// MockRows streams prepared rows and counts how many were read.
type MockRows struct {
	columns []string
	data    [][]interface{}
	pos     int
	// QueryErr fails the query itself.
	QueryErr error
	// FailAt fails Next at the row index with FailErr.
	FailAt  int
	FailErr error

	mu     sync.Mutex
	read   int
	closed bool
	err    error
}

var _ pool.Rows = (*MockRows)(nil)

// NewMockRows creates rows with columns and values.
func NewMockRows(columns []string, data ...[]interface{}) *MockRows {
	return &MockRows{columns: columns, data: data, FailAt: -1}
}

func (r *MockRows) Columns() ([]string, error) {
	return r.columns, nil
}

func (r *MockRows) Next() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.FailAt >= 0 && r.pos == r.FailAt {
		r.err = r.FailErr
		return false
	}
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	r.read++
	return true
}

func (r *MockRows) Scan(dest ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return errors.New("wrong number of scan destinations")
	}
	for i, v := range row {
		*(dest[i].(*interface{})) = v
	}
	return nil
}

func (r *MockRows) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *MockRows) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Read returns a number of rows read with Next.
func (r *MockRows) Read() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read
}

// IsClosed reports whether Close was called.
func (r *MockRows) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
