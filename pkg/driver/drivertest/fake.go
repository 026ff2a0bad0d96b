// Package drivertest provides a scripted in-memory driver for unit tests.
// Statements are recorded in order and answered from registered stubs, so
// tests can assert exact query counts and inspect generated SQL without a
// database.
package drivertest

import (
	"context"
	"strings"
	"sync"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/driver/postgres"
)

// Op is one recorded driver operation.
type Op struct {
	Kind string // "execute", "begin", "commit", "rollback", "savepoint", "rollback_to", "release", "ping"
	SQL  string // statement text, or savepoint name for savepoint ops
	Args []any
}

type stub struct {
	match  string
	result *driver.Result
	err    error
	fn     func(args []any) (*driver.Result, error)
}

// Connector is a scripted driver.Connector. All connections dialed from it
// share its stub table and operation log, so assertions see engine-wide
// behavior. Safe for concurrent use.
type Connector struct {
	mu            sync.Mutex
	stubs         []stub
	ops           []Op
	connectErr    error
	pingErr       error
	pingErrBudget int // -1 = every ping fails, n > 0 = next n pings fail
	executeErr    error
	connectCalls  int
	openConns     int
}

var _ driver.Connector = (*Connector)(nil)

// NewConnector creates an empty scripted connector. Unstubbed statements
// succeed with an empty result.
func NewConnector() *Connector {
	return &Connector{}
}

// Stub answers statements containing match with the given result.
// Stubs are consulted in registration order; first match wins.
func (c *Connector) Stub(match string, result *driver.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubs = append(c.stubs, stub{match: match, result: result})
}

// StubError answers statements containing match with an error.
func (c *Connector) StubError(match string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubs = append(c.stubs, stub{match: match, err: err})
}

// StubFunc answers statements containing match by calling fn, which lets a
// test vary the response per call (generated key sequences, for example).
func (c *Connector) StubFunc(match string, fn func(args []any) (*driver.Result, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stubs = append(c.stubs, stub{match: match, fn: fn})
}

// SetConnectError makes subsequent Connect calls fail.
func (c *Connector) SetConnectError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// SetPingError makes subsequent Ping calls on all connections fail.
func (c *Connector) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// SetExecuteError makes every subsequent Execute fail, simulating a dead
// connection mid-transaction.
func (c *Connector) SetExecuteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executeErr = err
}

// Connect dials a scripted connection.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	c.openConns++
	return &Conn{connector: c}, nil
}

// Dialect returns the PostgreSQL dialect so compiled SQL in tests is
// deterministic and readable.
func (c *Connector) Dialect() driver.Dialect {
	return postgres.Dialect{}
}

// ConnectCalls returns how many times Connect was invoked.
func (c *Connector) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

// OpenConns returns the number of connections dialed and not yet closed.
func (c *Connector) OpenConns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openConns
}

// Ops returns a copy of the full operation log.
func (c *Connector) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Op, len(c.ops))
	copy(out, c.ops)
	return out
}

// ExecutedSQL returns the statements executed, in order.
func (c *Connector) ExecutedSQL() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, op := range c.ops {
		if op.Kind == "execute" {
			out = append(out, op.SQL)
		}
	}
	return out
}

// ExecuteCount returns the number of executed statements, optionally
// filtered by a substring match.
func (c *Connector) ExecuteCount(contains string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Kind == "execute" && strings.Contains(op.SQL, contains) {
			n++
		}
	}
	return n
}

// OpCount returns how many operations of the given kind were recorded.
func (c *Connector) OpCount(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Reset clears the operation log and counters. Stubs stay registered.
func (c *Connector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = nil
	c.connectCalls = 0
}

func (c *Connector) record(op Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *Connector) answer(sqlText string, args []any) (*driver.Result, error) {
	c.mu.Lock()
	if c.executeErr != nil {
		err := c.executeErr
		c.mu.Unlock()
		return nil, err
	}
	stubs := c.stubs
	c.mu.Unlock()

	for _, s := range stubs {
		if strings.Contains(sqlText, s.match) {
			if s.fn != nil {
				return s.fn(args)
			}
			if s.err != nil {
				return nil, s.err
			}
			// Copy rows so callers mutating hydrated values cannot
			// corrupt the script.
			res := &driver.Result{
				Columns:      s.result.Columns,
				RowsAffected: s.result.RowsAffected,
			}
			for _, row := range s.result.Rows {
				cp := make(map[string]any, len(row))
				for k, v := range row {
					cp[k] = v
				}
				res.Rows = append(res.Rows, cp)
			}
			return res, nil
		}
	}
	return &driver.Result{}, nil
}

// Conn is a scripted driver.Conn.
type Conn struct {
	connector *Connector
	mu        sync.Mutex
	inTx      bool
	closed    bool
}

var _ driver.Conn = (*Conn)(nil)

// Execute answers from the connector's stub table and records the call.
func (c *Conn) Execute(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	c.connector.record(Op{Kind: "execute", SQL: sqlText, Args: args})
	return c.connector.answer(sqlText, args)
}

// Begin starts a scripted transaction.
func (c *Conn) Begin(ctx context.Context) error {
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	c.connector.record(Op{Kind: "begin"})
	return nil
}

// Commit commits the scripted transaction.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	c.connector.record(Op{Kind: "commit"})
	c.connector.mu.Lock()
	err := c.connector.executeErr
	c.connector.mu.Unlock()
	return err
}

// Rollback aborts the scripted transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	c.inTx = false
	c.mu.Unlock()
	c.connector.record(Op{Kind: "rollback"})
	return nil
}

// Savepoint records a savepoint.
func (c *Conn) Savepoint(ctx context.Context, name string) error {
	c.connector.record(Op{Kind: "savepoint", SQL: name})
	return nil
}

// RollbackTo records a rollback to savepoint.
func (c *Conn) RollbackTo(ctx context.Context, name string) error {
	c.connector.record(Op{Kind: "rollback_to", SQL: name})
	return nil
}

// ReleaseSavepoint records a savepoint release.
func (c *Conn) ReleaseSavepoint(ctx context.Context, name string) error {
	c.connector.record(Op{Kind: "release", SQL: name})
	return nil
}

// Ping succeeds unless a ping error is scripted.
func (c *Conn) Ping(ctx context.Context) error {
	c.connector.record(Op{Kind: "ping"})
	c.connector.mu.Lock()
	defer c.connector.mu.Unlock()
	return c.connector.pingErr
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		c.connector.mu.Lock()
		c.connector.openConns--
		c.connector.mu.Unlock()
	}
	return nil
}

// Rows builds a result with the given column names and rows.
func Rows(cols []string, rows ...map[string]any) *driver.Result {
	columns := make([]driver.ColumnInfo, len(cols))
	for i, c := range cols {
		columns[i] = driver.ColumnInfo{Name: c, Type: "TEXT"}
	}
	return &driver.Result{
		Columns:      columns,
		Rows:         rows,
		RowsAffected: int64(len(rows)),
	}
}

// Affected builds a rows-affected-only result.
func Affected(n int64) *driver.Result {
	return &driver.Result{RowsAffected: n}
}
