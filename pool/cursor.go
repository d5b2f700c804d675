package pool

import (
	"context"
	"errors"
	"sync"
)

// Cursor is a forward-only lazy sequence of rows of a statement. Rows are
// read from a driver in batches of Opts.FetchSize when the previous batch
// is consumed. The statement is released when the cursor is exhausted,
// closed or its lease is released.
//
// Cursor is not safe for concurrent iteration.
type Cursor struct {
	lease     *Lease
	stmt      string
	rows      Rows
	cancel    context.CancelFunc
	columns   []string
	fetchSize int
	// onClose is called once after the statement is released.
	onClose func()

	mu      sync.Mutex
	batch   []Row
	pos     int
	cur     Row
	fetched int
	err     error
	done    bool
	closed  bool
}

func newCursor(l *Lease, stmt string, rows Rows, columns []string,
	cancel context.CancelFunc) *Cursor {
	return &Cursor{
		lease:     l,
		stmt:      stmt,
		rows:      rows,
		cancel:    cancel,
		columns:   columns,
		fetchSize: l.pool.opts.FetchSize,
	}
}

// Columns returns column names of the result.
func (c *Cursor) Columns() []string {
	return c.columns
}

// Next advances the cursor to the next row. It returns false when rows
// are exhausted, on error or after Close.
func (c *Cursor) Next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.pos >= len(c.batch) {
		if c.done {
			return false
		}
		c.fetch()
		if c.pos >= len(c.batch) {
			return false
		}
	}
	c.cur = c.batch[c.pos]
	c.batch[c.pos] = Row{}
	c.pos++
	return true
}

func (c *Cursor) fetch() {
	c.batch = c.batch[:0]
	c.pos = 0
	for len(c.batch) < c.fetchSize {
		if !c.rows.Next() {
			c.done = true
			break
		}
		values := make([]interface{}, len(c.columns))
		dest := make([]interface{}, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := c.rows.Scan(dest...); err != nil {
			c.fail(err)
			return
		}
		c.batch = append(c.batch, Row{columns: c.columns, values: values})
		c.fetched++
	}
	if c.done {
		if err := c.rows.Err(); err != nil {
			c.fail(err)
			return
		}
		c.release(true)
	}
}

func (c *Cursor) fail(err error) {
	c.err = c.lease.fail(c.stmt, err)
	c.batch = c.batch[:0]
	c.done = true
	c.release(true)
}

// release closes the driver rows and cancels the statement context. It
// returns an error of closing rows.
func (c *Cursor) release(untrack bool) error {
	if c.rows == nil {
		return nil
	}
	err := c.rows.Close()
	c.rows = nil
	c.cancel()
	if untrack {
		c.lease.untrack(c)
	}
	if c.onClose != nil {
		c.onClose()
	}
	return err
}

// Row returns the current row.
func (c *Cursor) Row() Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Err returns an error met during iteration.
func (c *Cursor) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Fetched returns a number of rows read from the driver so far.
func (c *Cursor) Fetched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched
}

// Close releases the statement. Rows not fetched yet are discarded.
// Close is idempotent.
func (c *Cursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.batch = nil
	if err := c.release(true); err != nil {
		return c.lease.fail(c.stmt, err)
	}
	return nil
}

// abandon closes the cursor on release of its lease.
func (c *Cursor) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.batch = nil
	if c.err == nil && !c.done {
		c.err = ErrLeaseReleased
	}
	c.release(false)
}

// All reads the remaining rows and closes the cursor.
func (c *Cursor) All() ([]Row, error) {
	defer c.Close()
	var rows []Row
	for c.Next() {
		rows = append(rows, c.Row())
	}
	if err := c.Err(); err != nil && !errors.Is(err, ErrLeaseReleased) {
		return rows, err
	}
	return rows, nil
}
