// Package db handles the PostgreSQL side of tenancy that sits outside any one
// tenant: schema naming, schema DDL on the shared database, and the embedded
// server plus throwaway databases used for local work and tests.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/internal/cleanup"
)

// MaxIdentifierLength is the longest identifier PostgreSQL keeps without truncation.
const MaxIdentifierLength = 63

var nonSchemaChars = regexp.MustCompile(`[^a-z0-9]`)

// SchemaName derives the tenant schema name for an organization:
// "org_" + the lowercased name with every character outside [a-z0-9] replaced by
// "_" + "_" + the Unix-millisecond timestamp of at. Names longer than 63 bytes are
// cut in the middle so the timestamp suffix always survives.
func SchemaName(orgName string, at time.Time) string {
	base := "org_" + nonSchemaChars.ReplaceAllString(strings.ToLower(orgName), "_")
	suffix := "_" + strconv.FormatInt(at.UnixMilli(), 10)
	if len(base)+len(suffix) > MaxIdentifierLength {
		base = base[:MaxIdentifierLength-len(suffix)]
	}
	return base + suffix
}

// CreateDatabase connects to the server at adminDSN and creates name.
func CreateDatabase(ctx context.Context, adminDSN, name string, logger *zap.Logger) error {
	adminDB, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open admin connection: %w", err)
	}
	defer adminDB.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = adminDB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping admin database: %w", err)
	}

	if _, err = adminDB.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return fmt.Errorf("failed to execute create database command for %q: %w", name, err)
	}
	logger.Info("Created database", zap.String("database", name))
	return nil
}

// DropDatabaseFunc returns a cleanup step that terminates every session on name
// and drops it. With keep set it only logs.
func DropDatabaseFunc(adminDSN, name string, keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Keeping database", zap.String("database", name))
			return nil
		}

		adminDB, err := sql.Open("postgres", adminDSN)
		if err != nil {
			return fmt.Errorf("cleanup: error connecting to admin DB to drop %q: %w", name, err)
		}
		defer adminDB.Close()

		termCtx, termCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer termCancel()
		if _, err := adminDB.ExecContext(termCtx,
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
			name,
		); err != nil {
			logger.Warn("Cleanup: failed to terminate connections before drop, proceeding anyway", zap.String("database", name), zap.Error(err))
		}

		dropCtx, dropCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer dropCancel()
		if _, err := adminDB.ExecContext(dropCtx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("cleanup: error dropping database %q: %w", name, err)
		}
		logger.Debug("Dropped database", zap.String("database", name))
		return nil
	}
}

// GenerateUniqueDBName returns prefix followed by 16 random hex characters,
// lowercased and capped at 63 bytes.
func GenerateUniqueDBName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for db name: %w", err)
	}
	name := strings.ReplaceAll(strings.ToLower(prefix+hex.EncodeToString(b)), "-", "_")
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}
	return name, nil
}
