// Package verify checks that a tenant schema came out of migration with the
// tables the application needs.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/internal/keylock"
)

// ErrVerificationFailed is wrapped by callers that turn a false Verify into an error.
var ErrVerificationFailed = errors.New("schema verification failed")

// Rules are the structural checks a tenant schema must pass.
type Rules struct {
	MinTables      int
	RequiredTables []string
	LedgerTable    string // Never reported as missing; counted like any other table.
}

// Verifier checks tenant schemas against Rules.
type Verifier struct {
	conns  *connection.Manager
	locks  *keylock.Locker
	rules  Rules
	logger *zap.Logger
}

// New returns a Verifier. locks is the same locker the applier uses.
func New(conns *connection.Manager, locks *keylock.Locker, rules Rules, logger *zap.Logger) *Verifier {
	return &Verifier{
		conns:  conns,
		locks:  locks,
		rules:  rules,
		logger: logger.With(zap.String("component", "verify")),
	}
}

// Verify reports whether schemaName passes the rules. false with a nil error is
// a structural failure; an error means the check itself could not run. The
// schema's handle is released before returning.
func (v *Verifier) Verify(ctx context.Context, schemaName string) (bool, error) {
	logger := v.logger.With(zap.String("schema", schemaName))

	tables, err := v.Tables(ctx, schemaName)
	if err != nil {
		return false, err
	}

	ok := true
	if len(tables) < v.rules.MinTables {
		logger.Warn("Schema has too few tables", zap.Int("tables", len(tables)), zap.Int("min_tables", v.rules.MinTables))
		ok = false
	}
	if missing := Missing(tables, v.rules.RequiredTables, v.rules.LedgerTable); len(missing) > 0 {
		logger.Warn("Schema is missing required tables", zap.Strings("missing", missing))
		ok = false
	}
	if ok {
		logger.Info("Schema verified", zap.Int("tables", len(tables)))
	}
	return ok, nil
}

// Tables lists the base tables in schemaName, sorted.
func (v *Verifier) Tables(ctx context.Context, schemaName string) ([]string, error) {
	release, err := v.locks.Lock(ctx, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to lock schema %q: %w", schemaName, err)
	}
	defer release()

	h, err := v.conns.Get(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := v.conns.Release(schemaName); err != nil {
			v.logger.Warn("Failed to release tenant connection", zap.String("schema", schemaName), zap.Error(err))
		}
	}()

	rows, err := h.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in schema %q: %w", schemaName, err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list tables in schema %q: %w", schemaName, err)
	}
	return tables, nil
}

// Missing returns the names in required that are not in tables, ignoring ledger.
func Missing(tables, required []string, ledger string) []string {
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t] = true
	}
	var missing []string
	for _, r := range required {
		if r == ledger || have[r] {
			continue
		}
		missing = append(missing, r)
	}
	sort.Strings(missing)
	return missing
}
