// Package pgtest gives package tests a real PostgreSQL database. One server is
// shared by every test in a test binary: the URL in TENANTKIT_TEST_DATABASE_URL
// if set, otherwise an embedded server started on first use. Each test gets its
// own freshly created database, dropped when the test ends.
//
// Use it from TestMain:
//
//	func TestMain(m *testing.M) { pgtest.Main(m) }
package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/tenantkit/config"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/db"
	"github.com/veiloq/tenantkit/internal/cleanup"
)

// EnvDatabaseURL points the tests at an existing server instead of an embedded one.
const EnvDatabaseURL = "TENANTKIT_TEST_DATABASE_URL"

var (
	serverOnce sync.Once
	serverDSN  string
	serverErr  error
	teardown   = cleanup.NewManager(zap.NewNop(), false)
)

// Main runs the tests and stops the shared server afterwards.
func Main(m *testing.M) {
	code := m.Run()
	if err := teardown.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pgtest: teardown failed: %v\n", err)
	}
	os.Exit(code)
}

func server() (string, error) {
	serverOnce.Do(func() {
		if dsn := os.Getenv(EnvDatabaseURL); dsn != "" {
			serverDSN = dsn
			return
		}
		cfg := config.DefaultEmbeddedConfig()
		cfg.Logger = nil
		cfg.StartTimeout = 90 * time.Second
		_, stop, err := db.StartServer(context.Background(), &cfg, zap.NewNop())
		if err != nil {
			serverErr = err
			return
		}
		teardown.Add("stop embedded postgres", stop)
		serverDSN = cfg.DSN()
	})
	return serverDSN, serverErr
}

// NewDatabase creates an empty database for the test and returns its URL. The
// test is skipped in -short mode or when no server can be reached.
func NewDatabase(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in -short mode")
	}
	adminDSN, err := server()
	if err != nil {
		t.Skipf("skipping database test, PostgreSQL unavailable: %v", err)
	}

	name, err := db.GenerateUniqueDBName("tk_test_")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, db.CreateDatabase(ctx, adminDSN, name, logger))
	t.Cleanup(func() {
		if err := db.DropDatabaseFunc(adminDSN, name, false, zap.NewNop())(); err != nil {
			t.Logf("pgtest: %v", err)
		}
	})

	u, err := url.Parse(adminDSN)
	require.NoError(t, err)
	u.Path = "/" + name
	return u.String()
}

// Pool opens a pgx pool on dsn that is closed when the test ends.
func Pool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	pool, err := connection.OpenPool(context.Background(), dsn, 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// Config returns a tenantkit config pointed at dsn with short timeouts. The
// grant role is the user in dsn.
func Config(dsn, migrationsDir string) config.Config {
	cfg := config.DefaultConfig()
	cfg.DatabaseURL = dsn
	if u, err := url.Parse(dsn); err == nil && u.User != nil && u.User.Username() != "" {
		cfg.Role = u.User.Username()
	}
	cfg.MigrationsDir = migrationsDir
	cfg.StatementTimeout = 10 * time.Second
	cfg.ProvisionTimeout = 30 * time.Second
	return cfg
}

// WriteMigrations writes name -> SQL files into a temp directory and returns it.
func WriteMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}
