// Command tenantkit provisions and migrates tenant schemas from the shell: the
// deployment sweep, one-off onboarding, verification and a local dev server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veiloq/tenantkit"
	"github.com/veiloq/tenantkit/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile    string
	databaseURL   string
	migrationsDir string
	role          string
	sumCheck      bool
	verbose       bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "tenantkit",
		Short:         "Provision and migrate schema-per-tenant PostgreSQL databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "HCL config file (e.g. tenantkit.hcl)")
	pf.StringVar(&g.databaseURL, "database-url", "", "Shared database URL (or DATABASE_URL env)")
	pf.StringVar(&g.migrationsDir, "migrations-dir", "", "Tenant migrations directory (or TENANT_MIGRATIONS_DIR env)")
	pf.StringVar(&g.role, "role", "", "Role granted on new schemas (or DB_USER env)")
	pf.BoolVar(&g.sumCheck, "sum-check", false, "Validate the migrations directory against atlas.sum")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")

	root.AddCommand(
		newProvisionCmd(g),
		newMigrateCmd(g),
		newVerifyCmd(g),
		newStatusCmd(g),
		newDevCmd(g),
	)
	return root
}

// loadConfig layers defaults, the config file, the environment and flags, in
// that order.
func (g *globalFlags) loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configFile != "" {
		var err error
		if cfg, err = config.LoadFile(g.configFile, cfg); err != nil {
			return cfg, err
		}
	}
	cfg = config.FromEnv(cfg)
	if g.databaseURL != "" {
		cfg.DatabaseURL = g.databaseURL
	}
	if g.migrationsDir != "" {
		cfg.MigrationsDir = g.migrationsDir
		cfg.AtlasConfig = ""
	}
	if g.role != "" {
		cfg.Role = g.role
	}
	return cfg, nil
}

func (g *globalFlags) options() []config.Option {
	level := zapcore.InfoLevel
	if g.verbose {
		level = zapcore.DebugLevel
	}
	opts := []config.Option{config.WithZapOptions(zap.IncreaseLevel(level))}
	if g.sumCheck {
		opts = append(opts, config.WithSumCheck())
	}
	return opts
}

// withService builds a service for the duration of fn and closes it afterwards.
func (g *globalFlags) withService(ctx context.Context, fn func(svc *tenantkit.Service) error) (err error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	svc, err := tenantkit.New(ctx, cfg, g.options()...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svc.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(svc)
}
