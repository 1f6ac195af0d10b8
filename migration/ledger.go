package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/pgerr"
)

// LegacyChecksum is the value older tooling wrote instead of a real digest.
// Rows carrying it are never reported as drifted.
const LegacyChecksum = "placeholder_checksum"

// LedgerEntry is one applied unit as stored in the ledger table.
type LedgerEntry struct {
	ID            string
	Checksum      string
	MigrationName string
	StartedAt     time.Time
	FinishedAt    *time.Time
	RolledBackAt  *time.Time
	AppliedSteps  int
	Logs          *string
}

// Ledger reads and writes the per-schema migration ledger. The table layout is
// the one Prisma uses, so existing tenants keep their history.
type Ledger struct {
	table string
}

// NewLedger returns a Ledger stored in table inside each tenant schema.
func NewLedger(table string) Ledger {
	return Ledger{table: table}
}

// Table returns the ledger table name.
func (l Ledger) Table() string { return l.table }

func (l Ledger) qualified(schemaName string) string {
	return pgx.Identifier{schemaName, l.table}.Sanitize()
}

// Ensure creates the ledger table and its unique index on migration_name if
// they are missing. An index that cannot be built because an older ledger
// already holds duplicate names is logged and left out.
func (l Ledger) Ensure(ctx context.Context, h connection.Handle, schemaName string, logger *zap.Logger) error {
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id                  VARCHAR(36) PRIMARY KEY NOT NULL,
    checksum            VARCHAR(64) NOT NULL,
    finished_at         TIMESTAMPTZ,
    migration_name      VARCHAR(255) NOT NULL,
    logs                TEXT,
    rolled_back_at      TIMESTAMPTZ,
    started_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    applied_steps_count INTEGER NOT NULL DEFAULT 0
)`, l.qualified(schemaName))
	if _, err := h.Exec(ctx, createTable); err != nil && !pgerr.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create ledger table in schema %q: %w", schemaName, err)
	}

	createIndex := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (migration_name)`,
		pgx.Identifier{indexName(l.table)}.Sanitize(), l.qualified(schemaName))
	if _, err := h.Exec(ctx, createIndex); err != nil {
		switch {
		case pgerr.IsAlreadyExists(err):
		case pgerr.IsUniqueViolation(err):
			logger.Warn("Ledger has duplicate migration names, unique index not created",
				zap.String("schema", schemaName), zap.Error(err))
		default:
			return fmt.Errorf("failed to create ledger index in schema %q: %w", schemaName, err)
		}
	}
	return nil
}

func indexName(table string) string {
	name := table + "_migration_name_key"
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// AppliedUnit is the part of a ledger row the applier needs.
type AppliedUnit struct {
	Name     string
	Checksum string
}

// Applied lists recorded units ordered by started_at.
func (l Ledger) Applied(ctx context.Context, h connection.Handle, schemaName string) ([]AppliedUnit, error) {
	rows, err := h.Query(ctx, fmt.Sprintf(
		`SELECT migration_name, checksum FROM %s ORDER BY started_at ASC, migration_name ASC`,
		l.qualified(schemaName)))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger in schema %q: %w", schemaName, err)
	}
	applied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (AppliedUnit, error) {
		var u AppliedUnit
		err := row.Scan(&u.Name, &u.Checksum)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger in schema %q: %w", schemaName, err)
	}
	return applied, nil
}

// Record appends a row for a finished unit and returns it.
func (l Ledger) Record(ctx context.Context, h connection.Handle, schemaName, name, checksum string, startedAt time.Time, steps int) (LedgerEntry, error) {
	finishedAt := time.Now().UTC()
	entry := LedgerEntry{
		ID:            uuid.NewString(),
		Checksum:      checksum,
		MigrationName: name,
		StartedAt:     startedAt.UTC(),
		FinishedAt:    &finishedAt,
		AppliedSteps:  steps,
	}
	_, err := h.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, checksum, migration_name, started_at, finished_at, applied_steps_count) VALUES ($1, $2, $3, $4, $5, $6)`,
		l.qualified(schemaName)),
		entry.ID, entry.Checksum, entry.MigrationName, entry.StartedAt, finishedAt, entry.AppliedSteps)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to record migration %s in schema %q: %w", name, schemaName, err)
	}
	return entry, nil
}

// Entries returns every ledger row ordered by started_at.
func (l Ledger) Entries(ctx context.Context, h connection.Handle, schemaName string) ([]LedgerEntry, error) {
	rows, err := h.Query(ctx, fmt.Sprintf(
		`SELECT id, checksum, migration_name, started_at, finished_at, rolled_back_at, applied_steps_count, logs
		 FROM %s ORDER BY started_at ASC, migration_name ASC`,
		l.qualified(schemaName)))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger in schema %q: %w", schemaName, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LedgerEntry, error) {
		var e LedgerEntry
		err := row.Scan(&e.ID, &e.Checksum, &e.MigrationName, &e.StartedAt, &e.FinishedAt, &e.RolledBackAt, &e.AppliedSteps, &e.Logs)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger in schema %q: %w", schemaName, err)
	}
	return entries, nil
}
