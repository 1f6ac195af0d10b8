// Package pgerr classifies PostgreSQL errors returned by pgx and lib/pq and
// carries the timeout error shared by the migration and provisioning paths.
package pgerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes tenantkit cares about.
const (
	CodeDuplicateColumn   = "42701"
	CodeDuplicateObject   = "42710"
	CodeDuplicateFunction = "42723"
	CodeDuplicateSchema   = "42P06"
	CodeDuplicateTable    = "42P07"
	CodeUniqueViolation   = "23505"
	CodeQueryCanceled     = "57014"
)

// alreadyExistsCodes is the "object already exists" family. A statement failing
// with one of these is treated as already satisfied.
var alreadyExistsCodes = map[string]bool{
	CodeDuplicateColumn:   true,
	CodeDuplicateObject:   true,
	CodeDuplicateFunction: true,
	CodeDuplicateSchema:   true,
	CodeDuplicateTable:    true,
}

// SQLState extracts the SQLSTATE code from err, or "" if err carries none.
// Both *pgconn.PgError and *pq.Error expose SQLState().
func SQLState(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState()
	}
	return ""
}

// IsAlreadyExists reports whether err means the object a DDL statement tried to
// create is already there.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if alreadyExistsCodes[SQLState(err)] {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate_object")
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// TimeoutError is returned when a statement or a whole workflow runs past its
// deadline.
type TimeoutError struct {
	Op      string        // What was running, e.g. "statement" or "provision".
	Timeout time.Duration // The deadline that was exceeded (0 if inherited from the caller).
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%s timed out after %s: %v", e.Op, e.Timeout, e.Err)
	}
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or was caused by, a deadline being exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err)
}

// WrapTimeout turns err into a *TimeoutError when ctx ran out of time or err
// itself reports a timeout. Other errors, and errors already wrapped, are
// returned unchanged.
func WrapTimeout(ctx context.Context, op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || IsTimeout(err) ||
		(SQLState(err) == CodeQueryCanceled && ctx.Err() != nil) {
		return &TimeoutError{Op: op, Timeout: timeout, Err: err}
	}
	return err
}
