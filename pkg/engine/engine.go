// Package engine wires the persistence engine together: it builds the
// driver connector for the configured dialect, owns the connection pool,
// and opens sessions bound to the process-wide schema registry.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/driver/mssql"
	"github.com/meridian-data/meridian-engine/pkg/driver/postgres"
	"github.com/meridian-data/meridian-engine/pkg/logging"
	"github.com/meridian-data/meridian-engine/pkg/pool"
	"github.com/meridian-data/meridian-engine/pkg/schema"
	"github.com/meridian-data/meridian-engine/pkg/session"
)

// Engine is the entry point for persistence work. It is safe for
// concurrent use; the sessions it opens are not.
type Engine struct {
	pool     *pool.Pool
	registry *schema.Registry
	logger   *zap.Logger
}

// New builds an engine from configuration: the connector for the
// configured dialect, the pool over it, and the given registry.
func New(cfg *config.Config, registry *schema.Registry, logger *zap.Logger) (*Engine, error) {
	var connector driver.Connector
	switch cfg.Database.Dialect {
	case "postgres":
		connector = postgres.NewConnector(cfg.Database.ConnectionString(), logger)
	case "sqlserver":
		mc, err := mssql.NewConnector(cfg.Database.ConnectionString(), logger)
		if err != nil {
			return nil, err
		}
		connector = mc
	default:
		return nil, fmt.Errorf("unsupported dialect %q", cfg.Database.Dialect)
	}

	logger.Info("engine configured",
		zap.String("dialect", cfg.Database.Dialect),
		zap.String("dsn", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int("pool_max_conns", cfg.Pool.MaxConns))

	return NewWithConnector(connector, cfg.Pool, registry, logger), nil
}

// NewWithConnector builds an engine over an explicit connector. Tests use
// this with a scripted driver.
func NewWithConnector(connector driver.Connector, poolCfg config.PoolConfig, registry *schema.Registry, logger *zap.Logger) *Engine {
	return &Engine{
		pool:     pool.New(connector, poolCfg, logger),
		registry: registry,
		logger:   logger.Named("engine"),
	}
}

// Registry returns the engine's schema registry.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Pool exposes the connection pool, mainly for health checks and stats.
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// OpenSession leases a connection, begins a transaction, and returns an
// open session. The caller owns the session's lifecycle: Commit,
// Rollback, or Close must run on every path.
func (e *Engine) OpenSession(ctx context.Context) (*session.Session, error) {
	return session.Open(ctx, e.registry, e.pool, e.logger)
}

// WithSession runs fn inside a session scope: commit when fn returns nil,
// rollback when it returns an error or panics. The session is always
// closed and its connection returned to the pool on exit.
func (e *Engine) WithSession(ctx context.Context, fn func(s *session.Session) error) (err error) {
	sess, err := e.OpenSession(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := sess.Close(ctx); rbErr != nil {
				e.logger.Error("rollback after panic failed", zap.Error(rbErr))
			}
			panic(r)
		}
		if err != nil {
			if rbErr := sess.Close(ctx); rbErr != nil {
				e.logger.Error("rollback failed", zap.Error(rbErr))
			}
			return
		}
		err = sess.Commit(ctx)
	}()

	err = fn(sess)
	return err
}

// Ping verifies database connectivity by leasing a connection and
// returning it.
func (e *Engine) Ping(ctx context.Context) error {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.pool.Release(conn)
	return conn.Ping(ctx)
}

// Close disposes the connection pool.
func (e *Engine) Close() error {
	return e.pool.Dispose()
}
