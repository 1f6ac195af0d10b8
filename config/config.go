// Package config defines the tenantkit configuration: connection settings for the
// shared database, migration and verification knobs, timeouts, and the embedded
// PostgreSQL server used by the dev command and tests.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	DefaultRole               = "postgres"
	DefaultMigrationsDir      = "tenant-migrations"
	DefaultLedgerTable        = "_prisma_migrations"
	DefaultOrganizationsTable = "organizations"
	DefaultStatementTimeout   = 30 * time.Second
	DefaultProvisionTimeout   = 2 * time.Minute
	DefaultSweepConcurrency   = 1
	DefaultMaxConnsPerTenant  = 4

	// maxIdentifierLength is PostgreSQL's NAMEDATALEN-1.
	maxIdentifierLength = 63
)

// Config holds everything tenantkit needs to reach the shared database and
// manage tenant schemas inside it.
type Config struct {
	DatabaseURL        string        // postgres:// URL of the shared database.
	Role               string        // Role granted ALL on every new tenant schema.
	MigrationsDir      string        // Directory of *.sql tenant migrations.
	AtlasConfig        string        // Optional atlas.hcl; when set, the migration dir is read from it.
	AtlasEnv           string        // Env block in AtlasConfig. Empty means "local", then the first env.
	LedgerTable        string        // Per-schema migration ledger table name.
	OrganizationsTable string        // Shared table with id, name and schema_name columns. May be schema qualified.
	MinTables          int           // Verification: minimum number of base tables a tenant schema must have.
	RequiredTables     []string      // Verification: tables that must exist in every tenant schema.
	StatementTimeout   time.Duration // Deadline for a single migration statement. 0 disables it.
	ProvisionTimeout   time.Duration // Deadline for the whole provisioning workflow. 0 disables it.
	SweepConcurrency   int           // Number of schemas a sweep migrates at once.
	MaxConnsPerTenant  int32         // pgxpool MaxConns for each tenant handle.
	Embedded           EmbeddedConfig
}

// EmbeddedConfig describes the embedded PostgreSQL server started by the dev
// command and the test harness.
type EmbeddedConfig struct {
	Version      PostgresVersion
	Host         string        // Defaults to "localhost".
	Port         uint32        // 0 means select a random free port.
	Database     string        // Database created on first start.
	Username     string
	Password     string
	BinariesPath string        // Optional: path to existing postgres binaries. If empty, downloads.
	RuntimePath  string        // Optional: where the data directory lives. If empty, a temp dir.
	StartTimeout time.Duration // How long to wait for Postgres to start.
	Logger       *os.File      // Where to send raw Postgres output. nil discards it.
}

// DefaultConfig returns a Config with every optional field set to its default.
// DatabaseURL is left empty; it comes from a config file, the environment or a flag.
func DefaultConfig() Config {
	return Config{
		Role:               DefaultRole,
		MigrationsDir:      DefaultMigrationsDir,
		LedgerTable:        DefaultLedgerTable,
		OrganizationsTable: DefaultOrganizationsTable,
		MinTables:          1,
		StatementTimeout:   DefaultStatementTimeout,
		ProvisionTimeout:   DefaultProvisionTimeout,
		SweepConcurrency:   DefaultSweepConcurrency,
		MaxConnsPerTenant:  DefaultMaxConnsPerTenant,
		Embedded:           DefaultEmbeddedConfig(),
	}
}

// DefaultEmbeddedConfig returns the embedded server defaults.
func DefaultEmbeddedConfig() EmbeddedConfig {
	return EmbeddedConfig{
		Version:      DefaultPostgresVersion,
		Host:         "localhost",
		Port:         0,
		Database:     "postgres",
		Username:     "postgres",
		Password:     "postgres",
		StartTimeout: 30 * time.Second,
		Logger:       os.Stderr,
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if c.DatabaseURL == "" {
		errs = append(errs, "DatabaseURL must not be empty")
	} else if _, err := parseDatabaseURL(c.DatabaseURL); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Role == "" {
		errs = append(errs, "Role must not be empty")
	}
	if c.MigrationsDir == "" {
		errs = append(errs, "MigrationsDir must not be empty")
	}
	if c.LedgerTable == "" || len(c.LedgerTable) > maxIdentifierLength {
		errs = append(errs, fmt.Sprintf("LedgerTable must be 1-%d bytes", maxIdentifierLength))
	}
	if c.OrganizationsTable == "" {
		errs = append(errs, "OrganizationsTable must not be empty")
	}
	if c.MinTables < 0 {
		errs = append(errs, "MinTables must not be negative")
	}
	if c.StatementTimeout < 0 || c.ProvisionTimeout < 0 {
		errs = append(errs, "timeouts must not be negative")
	}
	if c.SweepConcurrency < 1 {
		errs = append(errs, "SweepConcurrency must be at least 1")
	}
	if c.MaxConnsPerTenant < 1 {
		errs = append(errs, "MaxConnsPerTenant must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}

func parseDatabaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("DatabaseURL is not a valid URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("DatabaseURL must use the postgres:// or postgresql:// scheme, got %q", u.Scheme)
	}
	return u, nil
}

// AdminDSN returns DatabaseURL without the Prisma-style "schema" parameter,
// which PostgreSQL drivers would otherwise send as an unknown runtime setting.
func (c *Config) AdminDSN() (string, error) {
	u, err := parseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Del("schema")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TenantDSN returns DatabaseURL with search_path pointed at schemaName first and
// public second.
func (c *Config) TenantDSN(schemaName string) (string, error) {
	if schemaName == "" {
		return "", fmt.Errorf("schema name must not be empty")
	}
	u, err := parseDatabaseURL(c.DatabaseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Del("schema")
	q.Set("search_path", pgx.Identifier{schemaName}.Sanitize()+",public")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DSN builds the connection URL for the embedded server.
// Assumes Port has been assigned.
func (e *EmbeddedConfig) DSN() string {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(e.Username, e.Password),
		Host:     fmt.Sprintf("%s:%d", host, e.Port),
		Path:     "/" + e.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}
