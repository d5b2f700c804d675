package pool

import "context"

// Conn is a single database connection. A Conn is used by one goroutine
// at a time.
type Conn interface {
	// Ping checks the connection is alive.
	Ping(ctx context.Context) error
	// Query runs a statement with positional arguments and returns a row
	// stream.
	Query(ctx context.Context, stmt string, args ...interface{}) (Rows, error)
	// Exec runs a statement with positional arguments.
	Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error)
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)
	// Close closes the connection.
	Close() error
}

// ClosedChecker is implemented by connections that a driver may close on
// its own, e.g. pgx closes a connection when a statement context expires.
// A closed connection is never returned to the pool.
type ClosedChecker interface {
	IsClosed() bool
}

func isClosed(conn Conn) bool {
	c, ok := conn.(ClosedChecker)
	return ok && c.IsClosed()
}

// Rows is a forward-only row stream of a statement.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	// Close releases the statement.
	Close() error
}

// Result is a summary of an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Tx is a database transaction.
type Tx interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) (Result, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Connector opens database connections.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc is an adapter to use an ordinary function as a Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}
