package driver

import "context"

// Connector dials connections for one configured database. Implementations
// are safe for concurrent use; the pool calls Connect from multiple
// goroutines.
type Connector interface {
	// Connect dials a new connection. The caller owns the returned Conn
	// and must Close it.
	Connect(ctx context.Context) (Conn, error)

	// Dialect returns the SQL dialect spoken by connections from this
	// connector.
	Dialect() Dialect
}

// Conn is a single stateful database connection with transaction control.
// A Conn is owned by exactly one caller at a time and is not safe for
// concurrent use. Errors from Execute and the transaction methods are
// normalized to the apperrors taxonomy by each adapter.
type Conn interface {
	// Execute runs a parameterized statement and returns rows, affected
	// count, and any RETURNING/OUTPUT columns as rows.
	Execute(ctx context.Context, sql string, args ...any) (*Result, error)

	// Begin starts a transaction. A connection can hold at most one open
	// transaction at a time.
	Begin(ctx context.Context) error

	// Commit commits the open transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction. Calling it with no open
	// transaction is an error.
	Rollback(ctx context.Context) error

	// Savepoint establishes a named savepoint inside the open transaction.
	Savepoint(ctx context.Context, name string) error

	// RollbackTo rolls back to a named savepoint, leaving the outer
	// transaction open.
	RollbackTo(ctx context.Context, name string) error

	// ReleaseSavepoint discards a named savepoint. Dialects without an
	// explicit release treat this as a no-op.
	ReleaseSavepoint(ctx context.Context, name string) error

	// Ping verifies the connection is alive with a lightweight round trip.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string
	Type string // Database type name (e.g., "TEXT", "INT8", "NVARCHAR")
}

// Result holds the outcome of executing one statement. Statements that
// return no rows (plain INSERT/UPDATE/DELETE) carry only RowsAffected.
type Result struct {
	Columns      []ColumnInfo
	Rows         []map[string]any
	RowsAffected int64
}

// Dialect abstracts the SQL syntax differences between supported databases.
// Implementations are stateless and safe for concurrent use.
type Dialect interface {
	// Name returns the dialect identifier ("postgres", "sqlserver").
	Name() string

	// Placeholder returns the parameter marker for the 1-based position n.
	Placeholder(n int) string

	// QuoteIdentifier safely quotes a table or column name.
	QuoteIdentifier(name string) string

	// InsertReturning renders an INSERT that echoes the listed generated
	// columns back as a result row. columns and placeholders are already
	// rendered; returning holds raw column names (the dialect quotes and
	// places them). An empty returning list renders a plain INSERT.
	InsertReturning(table string, columns, placeholders, returning []string) string

	// LimitOffset renders the row-bounding clause appended after ORDER BY.
	// limit or offset below zero means unset. hasOrderBy tells dialects
	// that require an ORDER BY for offsets whether to synthesize one.
	LimitOffset(limit, offset int, hasOrderBy bool) string
}
