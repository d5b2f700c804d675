package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Statement is a statement with positional arguments.
type Statement struct {
	SQL  string
	Args []interface{}
}

// statementContext bounds a statement by Opts.StatementTimeout unless ctx
// has an earlier deadline.
func (l *Lease) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := l.pool.opts.StatementTimeout; t > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > t {
			return context.WithTimeout(ctx, t)
		}
	}
	return context.WithCancel(ctx)
}

// fail classifies a statement error and marks the lease failed on
// connectivity loss. An error on a connection the driver has closed is a
// connectivity loss whatever the error is.
func (l *Lease) fail(stmt string, err error) error {
	err = classify(stmt, err)
	var lost *ConnectivityLostError
	if !errors.As(err, &lost) && isClosed(l.pc.conn) {
		lost = &ConnectivityLostError{Err: err}
		err = lost
	}
	if lost != nil {
		l.MarkFailed()
	}
	return err
}

// Query runs a statement and returns a lazy cursor over its rows.
// Arguments are bound positionally by the driver, the statement text is
// never interpolated.
//
// A broken connection yields *ConnectivityLostError and the lease is
// marked failed, other failures yield *ExecutionError.
func (l *Lease) Query(ctx context.Context, stmt string, args ...interface{}) (*Cursor, error) {
	if l.Released() {
		return nil, ErrLeaseReleased
	}
	ctx, cancel := l.statementContext(ctx)
	rows, err := l.pc.conn.Query(ctx, stmt, args...)
	if err != nil {
		cancel()
		return nil, l.fail(stmt, err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, l.fail(stmt, err)
	}
	c := newCursor(l, stmt, rows, columns, cancel)
	if !l.track(c) {
		rows.Close()
		cancel()
		return nil, ErrLeaseReleased
	}
	return c, nil
}

// Exec runs a statement that returns no rows.
func (l *Lease) Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error) {
	if l.Released() {
		return nil, ErrLeaseReleased
	}
	ctx, cancel := l.statementContext(ctx)
	defer cancel()
	res, err := l.pc.conn.Exec(ctx, stmt, args...)
	if err != nil {
		return nil, l.fail(stmt, err)
	}
	return res, nil
}

// InsertID runs an insert statement and returns an id of the inserted
// row. Drivers without LastInsertId support should use Query with a
// RETURNING clause.
func (l *Lease) InsertID(ctx context.Context, stmt string, args ...interface{}) (int64, error) {
	res, err := l.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &ExecutionError{Statement: stmt, Err: err}
	}
	return id, nil
}

// ExecTx runs statements in a single transaction. The transaction is
// rolled back on the first failure.
func (l *Lease) ExecTx(ctx context.Context, stmts ...Statement) ([]Result, error) {
	if l.Released() {
		return nil, ErrLeaseReleased
	}
	ctx, cancel := l.statementContext(ctx)
	defer cancel()

	tx, err := l.pc.conn.Begin(ctx)
	if err != nil {
		return nil, l.fail("BEGIN", err)
	}
	results := make([]Result, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := tx.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			err = l.fail(stmt.SQL, err)
			if rerr := tx.Rollback(ctx); rerr != nil {
				err = multierror.Append(err, fmt.Errorf("rollback: %w", rerr))
			}
			return nil, err
		}
		results = append(results, res)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, l.fail("COMMIT", err)
	}
	return results, nil
}

// Query acquires a connection and runs a statement on it. The connection
// is released when the cursor is exhausted or closed.
func (p *Pool) Query(ctx context.Context, stmt string, args ...interface{}) (*Cursor, error) {
	l, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c, err := l.Query(ctx, stmt, args...)
	if err != nil {
		l.Release()
		return nil, err
	}
	c.onClose = l.Release
	return c, nil
}

// Exec acquires a connection, runs a statement and releases the
// connection.
func (p *Pool) Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error) {
	l, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	return l.Exec(ctx, stmt, args...)
}

// ExecTx acquires a connection and runs statements in a transaction.
func (p *Pool) ExecTx(ctx context.Context, stmts ...Statement) ([]Result, error) {
	l, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	return l.ExecTx(ctx, stmts...)
}
