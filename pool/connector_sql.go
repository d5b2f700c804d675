package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLConnector opens connections through database/sql. Every pooled
// connection pins one physical connection of the underlying *sqlx.DB.
type SQLConnector struct {
	db *sqlx.DB
}

var _ Connector = (*SQLConnector)(nil)

// NewSQLConnector opens a database handle for a registered driver. The
// handle may keep up to maxConns physical connections, it should be at
// least the pool size.
func NewSQLConnector(driverName, dsn string, maxConns int) (*SQLConnector, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	return &SQLConnector{db: db}, nil
}

// NewSQLConnectorDB wraps an opened handle.
func NewSQLConnectorDB(db *sqlx.DB) *SQLConnector {
	return &SQLConnector{db: db}
}

// DB returns the underlying handle.
func (c *SQLConnector) DB() *sqlx.DB {
	return c.db
}

// Connect pins a physical connection and checks it with a ping.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return nil, err
	}
	if err = conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return &sqlConn{conn: conn}, nil
}

// Close closes the underlying handle.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

type sqlConn struct {
	conn *sqlx.Conn
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Query(ctx context.Context, stmt string, args ...interface{}) (Rows, error) {
	rows, err := c.conn.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *sqlConn) Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error) {
	return c.conn.ExecContext(ctx, stmt, args...)
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{tx: tx}, nil
}

// Close discards the physical connection instead of returning it to the
// database/sql idle list: the pool decides itself when to reconnect.
func (c *sqlConn) Close() error {
	_ = c.conn.Raw(func(interface{}) error {
		return driver.ErrBadConn
	})
	err := c.conn.Close()
	if err == sql.ErrConnDone {
		return nil
	}
	return err
}

type sqlTx struct {
	tx *sqlx.Tx
}

func (t sqlTx) Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error) {
	return t.tx.ExecContext(ctx, stmt, args...)
}

func (t sqlTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t sqlTx) Rollback(context.Context) error {
	return t.tx.Rollback()
}
