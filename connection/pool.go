// Package connection owns the per-tenant connection handles: how they are
// dialed, cached one per schema, and torn down.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/internal/cleanup"
)

// Handle is the slice of a PostgreSQL client that tenant work needs.
type Handle interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close() error
}

// PoolHandle is a Handle backed by a pgx pool.
type PoolHandle struct {
	*pgxpool.Pool
}

// Close closes the pool. pgxpool does not report close errors.
func (h *PoolHandle) Close() error {
	h.Pool.Close()
	return nil
}

// OpenPool parses dsn, applies maxConns when positive, connects and pings.
// The pool is closed again if the ping fails.
func OpenPool(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	pgxConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN for pgx pool: %w", err)
	}
	if maxConns > 0 {
		pgxConfig.MaxConns = maxConns
	}

	logger.Debug("Creating pgx connection pool",
		zap.String("database", pgxConfig.ConnConfig.Database),
		zap.String("search_path", pgxConfig.ConnConfig.RuntimeParams["search_path"]),
		zap.Int32("max_conns", pgxConfig.MaxConns))

	poolCtx, poolCancel := context.WithTimeout(ctx, 10*time.Second)
	defer poolCancel()
	pool, err := pgxpool.NewWithConfig(poolCtx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pgx pool for database %q: %w", pgxConfig.ConnConfig.Database, err)
	}
	return pool, nil
}

// DSNFunc maps a schema name to the connection string for its handle.
type DSNFunc func(schemaName string) (string, error)

// PoolDialer returns a Dialer that opens a pgx pool per schema, with the DSN
// produced by dsnFor (normally config.Config.TenantDSN, which points
// search_path at the schema).
func PoolDialer(dsnFor DSNFunc, maxConns int32, logger *zap.Logger) Dialer {
	return func(ctx context.Context, schemaName string) (Handle, error) {
		dsn, err := dsnFor(schemaName)
		if err != nil {
			return nil, fmt.Errorf("failed to build DSN for schema %q: %w", schemaName, err)
		}
		pool, err := OpenPool(ctx, dsn, maxConns, logger.With(zap.String("schema", schemaName)))
		if err != nil {
			return nil, err
		}
		return &PoolHandle{Pool: pool}, nil
	}
}

// ClosePool returns a cleanup step that closes *poolPtr and nils it so a second
// run is a no-op.
func ClosePool(poolPtr **pgxpool.Pool, name string, logger *zap.Logger) cleanup.Func {
	return func() error {
		pool := *poolPtr
		if pool == nil {
			logger.Debug("pgx pool already closed or never opened", zap.String("pool", name))
			return nil
		}
		pool.Close()
		logger.Debug("Closed pgx pool", zap.String("pool", name))
		*poolPtr = nil
		return nil
	}
}

// RedactDSN hides the password in a URL-style DSN for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
