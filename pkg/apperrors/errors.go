package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a lookup matched no row.
	ErrNotFound = errors.New("not found")
	// ErrPoolExhausted indicates an acquire timed out waiting for a free connection.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed indicates an operation on a disposed pool.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrSessionClosed indicates an operation on a session that already
	// committed, rolled back, or was forced closed by a lost connection.
	ErrSessionClosed = errors.New("session closed")
	// ErrConnectionLost indicates the driver-level connection failed mid-use.
	ErrConnectionLost = errors.New("connection lost")
	// ErrTimeout indicates the driver reported a statement timeout.
	ErrTimeout = errors.New("statement timeout")
	// ErrSyntax indicates the driver rejected a statement as malformed.
	ErrSyntax = errors.New("syntax error")
	// ErrLoadForbidden indicates access to a relationship whose load
	// strategy forbids traversal for the current query.
	ErrLoadForbidden = errors.New("relationship load forbidden")
	// ErrNotRegistered indicates an entity type unknown to the schema registry.
	ErrNotRegistered = errors.New("entity type not registered")
)

// ConstraintKind classifies which class of database constraint was violated.
type ConstraintKind string

const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintCheck      ConstraintKind = "check"
	ConstraintUnknown    ConstraintKind = "unknown"
)

// ConstraintViolationError reports a write rejected by the database. The
// flush that produced it is rolled back to its savepoint; pending changes
// stay intact so the caller can correct and retry.
type ConstraintViolationError struct {
	Constraint string         // constraint name when the driver reports one
	Kind       ConstraintKind // classification of the violated constraint
	Cause      error          // underlying driver error
}

func (e *ConstraintViolationError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("constraint violation (%s %q): %v", e.Kind, e.Constraint, e.Cause)
	}
	return fmt.Sprintf("constraint violation (%s): %v", e.Kind, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *ConstraintViolationError) Unwrap() error {
	return e.Cause
}

// NewConstraintViolation creates a constraint violation error.
func NewConstraintViolation(kind ConstraintKind, constraint string, cause error) *ConstraintViolationError {
	return &ConstraintViolationError{Constraint: constraint, Kind: kind, Cause: cause}
}

// StaleDataError reports an optimistic-lock miss: an UPDATE or DELETE
// carrying a version predicate affected zero rows because another
// transaction changed the row since it was loaded.
type StaleDataError struct {
	Entity string // registered entity name
	Key    any    // primary key of the stale row
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale data: %s key=%v was modified or deleted by another transaction", e.Entity, e.Key)
}

// CyclicDependencyError reports that flush ordering is impossible because
// the foreign-key graph of the pending entities contains a cycle. This is
// a modeling error, not a transient condition.
type CyclicDependencyError struct {
	Cycle []string // entity names forming the cycle, in traversal order
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic foreign-key dependency: %s", strings.Join(e.Cycle, " -> "))
}

// IsConstraintViolation reports whether err wraps a ConstraintViolationError.
func IsConstraintViolation(err error) bool {
	var cv *ConstraintViolationError
	return errors.As(err, &cv)
}

// IsStaleData reports whether err wraps a StaleDataError.
func IsStaleData(err error) bool {
	var sd *StaleDataError
	return errors.As(err, &sd)
}

// IsRetryable reports whether the caller may retry the failed operation
// without changing anything. Pool exhaustion and lost connections qualify;
// constraint violations and cycles require caller correction first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTimeout)
}
