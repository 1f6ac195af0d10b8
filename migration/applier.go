package migration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/catalog"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/internal/keylock"
	"github.com/veiloq/tenantkit/pgerr"
)

// UnitSource supplies the ordered migration units. *catalog.Loader and
// catalog.Catalog both satisfy it.
type UnitSource interface {
	Units() []catalog.Unit
}

// Applier runs pending catalog units against tenant schemas.
type Applier struct {
	units            UnitSource
	conns            *connection.Manager
	locks            *keylock.Locker
	ledger           Ledger
	statementTimeout time.Duration
	logger           *zap.Logger
}

// NewApplier wires an Applier. locks is shared with the other components that
// touch tenant schemas so work on one schema never interleaves.
func NewApplier(units UnitSource, conns *connection.Manager, locks *keylock.Locker, ledger Ledger, statementTimeout time.Duration, logger *zap.Logger) *Applier {
	return &Applier{
		units:            units,
		conns:            conns,
		locks:            locks,
		ledger:           ledger,
		statementTimeout: statementTimeout,
		logger:           logger.With(zap.String("component", "migration")),
	}
}

// Ledger returns the ledger the applier records into.
func (a *Applier) Ledger() Ledger { return a.ledger }

// ApplyPending implements Migrator. The schema's handle is released before
// returning, whatever the outcome.
func (a *Applier) ApplyPending(ctx context.Context, schemaName string) (Result, error) {
	result := Result{Schema: schemaName}
	logger := a.logger.With(zap.String("schema", schemaName))

	units := a.units.Units()
	if len(units) == 0 {
		logger.Warn("No migrations in catalog, nothing to apply")
		return result, nil
	}

	release, err := a.locks.Lock(ctx, schemaName)
	if err != nil {
		return result, pgerr.WrapTimeout(ctx, "waiting for schema lock", 0, fmt.Errorf("failed to lock schema %q: %w", schemaName, err))
	}
	defer release()

	h, err := a.conns.Get(ctx, schemaName)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := a.conns.Release(schemaName); err != nil {
			logger.Warn("Failed to release tenant connection", zap.Error(err))
		}
	}()

	if err := a.ledger.Ensure(ctx, h, schemaName, logger); err != nil {
		return result, pgerr.WrapTimeout(ctx, "ensuring ledger", 0, err)
	}
	applied, err := a.ledger.Applied(ctx, h, schemaName)
	if err != nil {
		return result, pgerr.WrapTimeout(ctx, "reading ledger", 0, err)
	}
	recorded := make(map[string]string, len(applied))
	for _, u := range applied {
		recorded[u.Name] = u.Checksum
	}

	for _, unit := range units {
		if checksum, ok := recorded[unit.Name]; ok {
			if checksum != unit.Checksum && checksum != LegacyChecksum {
				logger.Warn("Applied migration changed on disk since it was recorded",
					zap.String("migration", unit.Name),
					zap.String("recorded_checksum", checksum),
					zap.String("catalog_checksum", unit.Checksum))
			}
			result.Skipped = append(result.Skipped, unit.Name)
			continue
		}

		steps, err := a.applyUnit(ctx, h, schemaName, unit, logger)
		if err != nil {
			return result, err
		}
		result.Applied = append(result.Applied, unit.Name)
		result.Statements += steps
	}

	if result.UpToDate() {
		logger.Debug("Schema is up to date", zap.Int("recorded", len(result.Skipped)))
	} else {
		logger.Info("Applied pending migrations",
			zap.Strings("applied", result.Applied),
			zap.Int("statements", result.Statements),
			zap.Int("already_applied", len(result.Skipped)))
	}
	return result, nil
}

// applyUnit runs one unit statement by statement and records it. It returns the
// number of statements that executed without being skipped.
func (a *Applier) applyUnit(ctx context.Context, h connection.Handle, schemaName string, unit catalog.Unit, logger *zap.Logger) (int, error) {
	logger = logger.With(zap.String("migration", unit.Name))
	startedAt := time.Now()

	statements := Split(Rewrite(unit.Source, schemaName))
	logger.Debug("Applying migration", zap.Int("statements", len(statements)))

	steps := 0
	for i, stmt := range statements {
		err := a.exec(ctx, h, stmt)
		switch {
		case err == nil:
			steps++
		case pgerr.IsTimeout(err):
			logger.Error("Migration statement timed out", zap.Int("statement", i+1), zap.String("sql", preview(stmt)), zap.Error(err))
			return steps, &StatementError{Migration: unit.Name, Statement: preview(stmt), Err: err}
		case pgerr.IsAlreadyExists(err):
			logger.Debug("Skipping statement, object already exists", zap.Int("statement", i+1), zap.String("sql", preview(stmt)), zap.Error(err))
		default:
			logger.Error("Migration statement failed", zap.Int("statement", i+1), zap.String("sql", preview(stmt)), zap.Error(err))
			return steps, &StatementError{Migration: unit.Name, Statement: preview(stmt), Err: err}
		}
	}

	if _, err := a.ledger.Record(ctx, h, schemaName, unit.Name, unit.Checksum, startedAt, steps); err != nil {
		return steps, pgerr.WrapTimeout(ctx, "recording migration", 0, err)
	}
	logger.Info("Applied migration", zap.Int("statements", steps), zap.Duration("took", time.Since(startedAt)))
	return steps, nil
}

func (a *Applier) exec(ctx context.Context, h connection.Handle, stmt string) error {
	stmtCtx := ctx
	if a.statementTimeout > 0 {
		var cancel context.CancelFunc
		stmtCtx, cancel = context.WithTimeout(ctx, a.statementTimeout)
		defer cancel()
	}
	_, err := h.Exec(stmtCtx, stmt)
	return pgerr.WrapTimeout(stmtCtx, "statement", a.statementTimeout, err)
}
