package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/logging"
)

// Connector dials PostgreSQL connections via pgx.
type Connector struct {
	connStr string
	logger  *zap.Logger
}

var _ driver.Connector = (*Connector)(nil)

// NewConnector creates a PostgreSQL connector for the given connection string.
func NewConnector(connStr string, logger *zap.Logger) *Connector {
	return &Connector{
		connStr: connStr,
		logger:  logger.Named("postgres"),
	}
}

// Connect dials a new connection.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := pgx.Connect(ctx, c.connStr)
	if err != nil {
		c.logger.Error("failed to connect",
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	c.logger.Debug("connection established")
	return &Conn{conn: conn, logger: c.logger}, nil
}

// Dialect returns the PostgreSQL dialect.
func (c *Connector) Dialect() driver.Dialect {
	return Dialect{}
}
