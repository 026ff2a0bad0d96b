package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// Conn is a single SQL Server connection. Statements execute through the
// open transaction when one is active, directly on the connection otherwise.
type Conn struct {
	conn   *sql.Conn
	tx     *sql.Tx
	logger *zap.Logger
}

var _ driver.Conn = (*Conn)(nil)

// Execute runs a parameterized statement. SELECT and OUTPUT statements
// return rows; other DML carries only the affected count. Statement type
// is decided up front so a statement is never executed twice.
func (c *Conn) Execute(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	if returnsRows(sqlText) {
		return c.queryRows(ctx, sqlText, args...)
	}
	return c.execOnly(ctx, sqlText, args...)
}

// returnsRows reports whether the statement produces a result set. The
// engine generates all its own SQL, so prefix and OUTPUT detection is
// reliable here.
func returnsRows(sqlText string) bool {
	trimmed := strings.ToUpper(strings.TrimSpace(sqlText))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") {
		return true
	}
	return strings.Contains(trimmed, " OUTPUT ")
}

func (c *Conn) queryRows(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	var rows *sql.Rows
	var err error
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, sqlText, args...)
	} else {
		rows, err = c.conn.QueryContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", classify(err))
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", classify(err))
	}

	columns := make([]driver.ColumnInfo, len(columnNames))
	for i, name := range columnNames {
		columns[i] = driver.ColumnInfo{
			Name: name,
			Type: columnTypes[i].DatabaseTypeName(),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePtrs := make([]any, len(columnNames))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", classify(err))
		}

		rowMap := make(map[string]any)
		for i, name := range columnNames {
			rowMap[name] = values[i]
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return &driver.Result{
		Columns:      columns,
		Rows:         resultRows,
		RowsAffected: int64(len(resultRows)),
	}, nil
}

func (c *Conn) execOnly(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	var res sql.Result
	var err error
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, sqlText, args...)
	} else {
		res, err = c.conn.ExecContext(ctx, sqlText, args...)
	}
	if err != nil {
		return nil, classify(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", classify(err))
	}

	return &driver.Result{RowsAffected: affected}, nil
}

// Begin starts a transaction.
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// Rollback aborts the open transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return fmt.Errorf("rollback transaction: %w", classify(err))
	}
	return nil
}

// Savepoint establishes a named savepoint via SAVE TRANSACTION.
func (c *Conn) Savepoint(ctx context.Context, name string) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if _, err := c.tx.ExecContext(ctx, "SAVE TRANSACTION "+quoteIdent(name)); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, classify(err))
	}
	return nil
}

// RollbackTo rolls back to a named savepoint, leaving the transaction open.
func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if _, err := c.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+quoteIdent(name)); err != nil {
		return fmt.Errorf("rollback to savepoint %s: %w", name, classify(err))
	}
	return nil
}

// ReleaseSavepoint is a no-op: SQL Server has no RELEASE SAVEPOINT.
func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	return nil
}

// Ping verifies the connection is alive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the connection back to the driver, which closes it
// because idle pooling is disabled on the connector.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return Dialect{}.QuoteIdentifier(name)
}
