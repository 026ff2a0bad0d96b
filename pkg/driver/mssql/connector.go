package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/logging"
)

// Connector dials SQL Server connections via go-mssqldb. It holds one
// *sql.DB and binds each Connect call to a dedicated *sql.Conn so the
// engine's own pool stays authoritative over connection lifecycle.
type Connector struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ driver.Connector = (*Connector)(nil)

// NewConnector creates a SQL Server connector for the given connection string.
func NewConnector(connStr string, logger *zap.Logger) (*Connector, error) {
	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}
	// database/sql must not pool on its own underneath the engine pool
	db.SetMaxIdleConns(0)

	return &Connector{
		db:     db,
		logger: logger.Named("mssql"),
	}, nil
}

// Connect binds a dedicated connection.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		c.logger.Error("failed to connect",
			zap.String("error", logging.SanitizeError(err)))
		return nil, fmt.Errorf("connect to sqlserver: %w", err)
	}

	c.logger.Debug("connection established")
	return &Conn{conn: conn, logger: c.logger}, nil
}

// Dialect returns the SQL Server dialect.
func (c *Connector) Dialect() driver.Dialect {
	return Dialect{}
}

// Close releases the underlying database handle.
func (c *Connector) Close() error {
	return c.db.Close()
}
