package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/config"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/db"
	"github.com/veiloq/tenantkit/internal/cleanup"
	"github.com/veiloq/tenantkit/internal/logger"
	"github.com/veiloq/tenantkit/orgstore"
)

func newDevCmd(g *globalFlags) *cobra.Command {
	var port uint32
	var runtimePath string
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run an embedded PostgreSQL server for local work",
		Long: `Starts an embedded PostgreSQL server, creates the organization table in it and
prints its URL. The server runs until interrupted; point DATABASE_URL at it.`,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Embedded.Port = port
			}
			if runtimePath != "" {
				cfg.Embedded.RuntimePath = runtimePath
			}
			cfg.Embedded.Logger = nil

			settings, _ := config.ApplyOptions(&cfg, g.options()...)
			log, _, err := logger.InitLogger(nil, settings)
			if err != nil {
				return err
			}
			teardown := cleanup.NewManager(log, true)
			defer func() {
				if cleanupErr := teardown.Execute(); cleanupErr != nil && err == nil {
					err = cleanupErr
				}
			}()

			ctx := cmd.Context()
			_, stop, err := db.StartServer(ctx, &cfg.Embedded, log)
			if err != nil {
				return err
			}
			teardown.Add("stop embedded postgres", stop)

			dsn := cfg.Embedded.DSN()
			pool, err := connection.OpenPool(ctx, dsn, 2, log)
			if err != nil {
				return err
			}
			teardown.Add("close pool", connection.ClosePool(&pool, "dev", log))

			if err := orgstore.NewStore(pool, cfg.OrganizationsTable, log).EnsureTable(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), dsn)
			log.Info("Dev server ready, press Ctrl+C to stop", zap.String("dsn", connection.RedactDSN(dsn)))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Uint32Var(&port, "port", 0, "Port to listen on (0 picks a free one)")
	cmd.Flags().StringVar(&runtimePath, "runtime-path", "", "Data directory to keep between runs (default: temporary)")
	return cmd
}
