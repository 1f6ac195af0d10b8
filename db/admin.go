package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/internal/cleanup"
)

// ErrSchemaExists is returned when a new tenant schema name is already taken.
var ErrSchemaExists = errors.New("schema already exists")

// SchemaDropper drops a schema and everything in it.
type SchemaDropper interface {
	DropSchema(ctx context.Context, name string) error
}

// Admin runs namespace DDL on the shared database through database/sql.
type Admin struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenAdmin connects to the shared database at dsn and pings it.
func OpenAdmin(ctx context.Context, dsn string, logger *zap.Logger) (*Admin, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping shared database: %w", err)
	}
	return NewAdmin(sqlDB, logger), nil
}

// NewAdmin wraps an already open database.
func NewAdmin(sqlDB *sql.DB, logger *zap.Logger) *Admin {
	return &Admin{db: sqlDB, logger: logger.With(zap.String("component", "admin"))}
}

// DB exposes the underlying database.
func (a *Admin) DB() *sql.DB { return a.db }

// CreateSchema creates the schema if it does not exist.
func (a *Admin) CreateSchema(ctx context.Context, name string) error {
	if _, err := a.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create schema %q: %w", name, err)
	}
	a.logger.Info("Created schema", zap.String("schema", name))
	return nil
}

// GrantAll grants every schema privilege on name to role.
func (a *Admin) GrantAll(ctx context.Context, name, role string) error {
	stmt := fmt.Sprintf("GRANT ALL ON SCHEMA %s TO %s", pgx.Identifier{name}.Sanitize(), pgx.Identifier{role}.Sanitize())
	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to grant schema %q to %q: %w", name, role, err)
	}
	a.logger.Debug("Granted schema privileges", zap.String("schema", name), zap.String("role", role))
	return nil
}

// DropSchema drops the schema and everything in it. A missing schema is not an error.
func (a *Admin) DropSchema(ctx context.Context, name string) error {
	if _, err := a.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{name}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema %q: %w", name, err)
	}
	a.logger.Info("Dropped schema", zap.String("schema", name))
	return nil
}

// SchemaExists reports whether the namespace is present.
func (a *Admin) SchemaExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up schema %q: %w", name, err)
	}
	return exists, nil
}

// Close closes the database.
func (a *Admin) Close() error {
	return a.db.Close()
}

// DropSchemaFunc returns a cleanup step that drops schema on a fresh background
// context bounded by timeout, so it still runs after the caller's context has
// expired. Failures are logged and returned.
func DropSchemaFunc(dropper SchemaDropper, schema string, timeout time.Duration, logger *zap.Logger) cleanup.Func {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := dropper.DropSchema(ctx, schema); err != nil {
			logger.Error("Failed to drop schema during rollback", zap.String("schema", schema), zap.Error(err))
			return err
		}
		logger.Warn("Rolled back schema", zap.String("schema", schema))
		return nil
	}
}
