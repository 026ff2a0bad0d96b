package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/logging"
)

// executor runs statements on the session's connection with structured
// logging. Error classification happens in the driver adapters; the
// executor only reports.
type executor struct {
	conn   driver.Conn
	logger *zap.Logger
}

func newExecutor(conn driver.Conn, logger *zap.Logger) *executor {
	return &executor{conn: conn, logger: logger.Named("executor")}
}

func (e *executor) execute(ctx context.Context, sqlText string, args ...any) (*driver.Result, error) {
	start := time.Now()
	result, err := e.conn.Execute(ctx, sqlText, args...)
	if err != nil {
		e.logger.Debug("statement failed",
			zap.String("sql", logging.SanitizeStatement(sqlText)),
			zap.Int("args", len(args)),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}
	e.logger.Debug("statement executed",
		zap.String("sql", logging.SanitizeStatement(sqlText)),
		zap.Int("args", len(args)),
		zap.Int64("rows_affected", result.RowsAffected),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}
