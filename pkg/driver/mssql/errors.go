package mssql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
)

// SQL Server error messages carry the constraint name in quotes:
//
//	Violation of UNIQUE KEY constraint 'UQ_users_email'. ...
//	The INSERT statement conflicted with the FOREIGN KEY constraint "FK_orders_customers". ...
var constraintNamePattern = regexp.MustCompile(`constraint ['"]([^'"]+)['"]`)

// classify maps go-mssqldb errors onto the engine error taxonomy. The
// original error stays on the chain for errors.Is/As.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		constraint := extractConstraintName(sqlErr.Message)
		switch sqlErr.Number {
		case 2627, 2601:
			return apperrors.NewConstraintViolation(apperrors.ConstraintUnique, constraint, err)
		case 547:
			return apperrors.NewConstraintViolation(apperrors.ConstraintForeignKey, constraint, err)
		case 515:
			return apperrors.NewConstraintViolation(apperrors.ConstraintNotNull, constraint, err)
		case 102, 105, 156:
			return fmt.Errorf("%w: %w", apperrors.ErrSyntax, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrTimeout, err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", apperrors.ErrConnectionLost, err)
	}

	return err
}

func extractConstraintName(message string) string {
	m := constraintNamePattern.FindStringSubmatch(message)
	if len(m) == 2 {
		return m[1]
	}
	return ""
}
