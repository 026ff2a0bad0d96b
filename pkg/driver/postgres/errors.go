package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
)

const closeTimeout = 5 * time.Second

// classify maps pgx errors onto the engine error taxonomy. The original
// error stays on the chain for errors.Is/As.
func (c *Conn) classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperrors.NewConstraintViolation(apperrors.ConstraintUnique, pgErr.ConstraintName, err)
		case pgErr.Code == "23503":
			return apperrors.NewConstraintViolation(apperrors.ConstraintForeignKey, pgErr.ConstraintName, err)
		case pgErr.Code == "23502":
			// Not-null violations name the column, not a constraint
			return apperrors.NewConstraintViolation(apperrors.ConstraintNotNull, pgErr.ColumnName, err)
		case pgErr.Code == "23514":
			return apperrors.NewConstraintViolation(apperrors.ConstraintCheck, pgErr.ConstraintName, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return apperrors.NewConstraintViolation(apperrors.ConstraintUnknown, pgErr.ConstraintName, err)
		case pgErr.Code == "57014":
			return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
		case strings.HasPrefix(pgErr.Code, "42"):
			return fmt.Errorf("%w: %w", apperrors.ErrSyntax, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
	}
	if c.conn.IsClosed() {
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
	}

	return err
}
