package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// Conn is a single PostgreSQL connection. Statements execute through the
// open transaction when one is active, directly on the connection otherwise.
type Conn struct {
	conn   *pgx.Conn
	tx     pgx.Tx
	logger *zap.Logger
}

var _ driver.Conn = (*Conn)(nil)

// Execute runs a parameterized statement. RETURNING clauses come back as
// result rows; plain DML carries only the affected count.
func (c *Conn) Execute(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	var rows pgx.Rows
	var err error
	if c.tx != nil {
		rows, err = c.tx.Query(ctx, sqlText, args...)
	} else {
		rows, err = c.conn.Query(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, c.classify(err)
	}

	fieldDescs := rows.FieldDescriptions()
	columns := make([]driver.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = driver.ColumnInfo{
			Name: string(fd.Name),
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read row values: %w", c.classify(err))
		}

		rowMap := make(map[string]any)
		for i, col := range columns {
			rowMap[col.Name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}

	return &driver.Result{
		Columns:      columns,
		Rows:         resultRows,
		RowsAffected: rows.CommandTag().RowsAffected(),
	}, nil
}

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", c.classify(err))
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	if err != nil {
		return fmt.Errorf("commit transaction: %w", c.classify(err))
	}
	return nil
}

// Rollback aborts the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil {
		return fmt.Errorf("rollback transaction: %w", c.classify(err))
	}
	return nil
}

// Savepoint establishes a named savepoint inside the open transaction.
func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if _, err := c.tx.Exec(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, c.classify(err))
	}
	return nil
}

// RollbackTo rolls back to a named savepoint, leaving the transaction open.
func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if _, err := c.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name)); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, c.classify(err))
	}
	return nil
}

// ReleaseSavepoint discards a named savepoint.
func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if _, err := c.tx.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name)); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, c.classify(err))
	}
	return nil
}

// Ping verifies the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.conn.Close(ctx); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
