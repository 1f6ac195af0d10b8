package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// fileConfig mirrors Config for HCL decoding. Every attribute is optional so a
// file only needs to mention what it changes.
//
//	database_url   = env.DATABASE_URL
//	role           = "app"
//	migrations_dir = "tenant-migrations"
//
//	verify {
//	  min_tables      = 30
//	  required_tables = ["employees", "drugs"]
//	}
type fileConfig struct {
	DatabaseURL        *string `hcl:"database_url,optional"`
	Role               *string `hcl:"role,optional"`
	MigrationsDir      *string `hcl:"migrations_dir,optional"`
	AtlasConfig        *string `hcl:"atlas_config,optional"`
	AtlasEnv           *string `hcl:"atlas_env,optional"`
	LedgerTable        *string `hcl:"ledger_table,optional"`
	OrganizationsTable *string `hcl:"organizations_table,optional"`
	StatementTimeout   *string `hcl:"statement_timeout,optional"`
	ProvisionTimeout   *string `hcl:"provision_timeout,optional"`
	SweepConcurrency   *int    `hcl:"sweep_concurrency,optional"`
	MaxConnsPerTenant  *int    `hcl:"max_conns_per_tenant,optional"`

	Verify   *verifyBlock   `hcl:"verify,block"`
	Embedded *embeddedBlock `hcl:"embedded,block"`
}

type verifyBlock struct {
	MinTables      *int     `hcl:"min_tables,optional"`
	RequiredTables []string `hcl:"required_tables,optional"`
}

type embeddedBlock struct {
	Version      *string `hcl:"version,optional"`
	Host         *string `hcl:"host,optional"`
	Port         *int    `hcl:"port,optional"`
	Database     *string `hcl:"database,optional"`
	Username     *string `hcl:"username,optional"`
	Password     *string `hcl:"password,optional"`
	BinariesPath *string `hcl:"binaries_path,optional"`
	RuntimePath  *string `hcl:"runtime_path,optional"`
	StartTimeout *string `hcl:"start_timeout,optional"`
}

// LoadFile decodes the HCL file at path and overlays it on base. The file can
// read environment variables through the env object, e.g. env.DATABASE_URL.
func LoadFile(path string, base Config) (Config, error) {
	var fc fileConfig
	if err := hclsimple.DecodeFile(path, envContext(), &fc); err != nil {
		return base, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg := base
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.Role, fc.Role)
	setString(&cfg.MigrationsDir, fc.MigrationsDir)
	setString(&cfg.AtlasConfig, fc.AtlasConfig)
	setString(&cfg.AtlasEnv, fc.AtlasEnv)
	setString(&cfg.LedgerTable, fc.LedgerTable)
	setString(&cfg.OrganizationsTable, fc.OrganizationsTable)
	if err := setDuration(&cfg.StatementTimeout, fc.StatementTimeout, "statement_timeout"); err != nil {
		return base, err
	}
	if err := setDuration(&cfg.ProvisionTimeout, fc.ProvisionTimeout, "provision_timeout"); err != nil {
		return base, err
	}
	if fc.SweepConcurrency != nil {
		cfg.SweepConcurrency = *fc.SweepConcurrency
	}
	if fc.MaxConnsPerTenant != nil {
		cfg.MaxConnsPerTenant = int32(*fc.MaxConnsPerTenant)
	}

	if v := fc.Verify; v != nil {
		if v.MinTables != nil {
			cfg.MinTables = *v.MinTables
		}
		if v.RequiredTables != nil {
			cfg.RequiredTables = append([]string(nil), v.RequiredTables...)
		}
	}

	if e := fc.Embedded; e != nil {
		if e.Version != nil {
			cfg.Embedded.Version = PostgresVersion(*e.Version)
		}
		setString(&cfg.Embedded.Host, e.Host)
		if e.Port != nil {
			if *e.Port < 0 || *e.Port > 65535 {
				return base, fmt.Errorf("embedded.port out of range: %d", *e.Port)
			}
			cfg.Embedded.Port = uint32(*e.Port)
		}
		setString(&cfg.Embedded.Database, e.Database)
		setString(&cfg.Embedded.Username, e.Username)
		setString(&cfg.Embedded.Password, e.Password)
		setString(&cfg.Embedded.BinariesPath, e.BinariesPath)
		setString(&cfg.Embedded.RuntimePath, e.RuntimePath)
		if err := setDuration(&cfg.Embedded.StartTimeout, e.StartTimeout, "embedded.start_timeout"); err != nil {
			return base, err
		}
	}
	return cfg, nil
}

// FromEnv overlays the environment variables the deployment scripts set:
// DATABASE_URL, DB_USER and TENANT_MIGRATIONS_DIR.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("TENANT_MIGRATIONS_DIR"); v != "" {
		cfg.MigrationsDir = v
	}
	return cfg
}

func envContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !utf8.ValidString(k) || !utf8.ValidString(v) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, name string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, *v, err)
	}
	*dst = d
	return nil
}
