// Package migration brings a tenant schema up to date with the migration
// catalog. It rewrites each script to target the schema, splits it into
// statements, runs them, and records finished units in the schema's ledger.
package migration

import (
	"context"
	"fmt"
	"strings"
)

// Migrator applies pending migrations to one tenant schema. The provisioner and
// the sweeper depend on this rather than on *Applier.
type Migrator interface {
	// ApplyPending runs every catalog unit not yet recorded in the schema's
	// ledger, in catalog order. It is safe to call repeatedly.
	ApplyPending(ctx context.Context, schemaName string) (Result, error)
}

// Result summarizes one ApplyPending call.
type Result struct {
	Schema     string
	Applied    []string // Units run and recorded by this call, in order.
	Skipped    []string // Units already in the ledger.
	Statements int      // Statements executed successfully across Applied.
}

// UpToDate reports whether the call found nothing to do.
func (r Result) UpToDate() bool { return len(r.Applied) == 0 }

// StatementError is a statement failure that aborted a unit. The unit is not
// recorded; statements before it in the same unit stay committed.
type StatementError struct {
	Migration string
	Statement string // Truncated for readability.
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("migration %s failed at statement %q: %v", e.Migration, e.Statement, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

const statementPreviewLength = 100

func preview(stmt string) string {
	stmt = strings.Join(strings.Fields(stmt), " ")
	if len(stmt) <= statementPreviewLength {
		return stmt
	}
	return stmt[:statementPreviewLength] + "..."
}

// NoOpMigrator reports every schema as up to date without touching it.
type NoOpMigrator struct{}

// ApplyPending implements Migrator.
func (NoOpMigrator) ApplyPending(_ context.Context, schemaName string) (Result, error) {
	return Result{Schema: schemaName}, nil
}
