package db

import (
	"context"
	"fmt"
	"net"
	"os"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/config"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/internal/cleanup"
)

// AssignRandomPort picks a free TCP port for cfg when Port is 0.
func AssignRandomPort(cfg *config.EmbeddedConfig, logger *zap.Logger) error {
	if cfg.Port != 0 {
		return nil
	}
	port, err := freePort(cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to get free port: %w", err)
	}
	cfg.Port = port
	logger.Info("Assigned random free port", zap.Uint32("port", cfg.Port))
	return nil
}

// freePort binds port 0 on host and returns the port the kernel picked.
func freePort(host string) (uint32, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint32(l.Addr().(*net.TCPAddr).Port), nil
}

// StartServer starts an embedded PostgreSQL server described by cfg. A port of
// 0 is replaced with a free one first, so cfg.DSN() is usable on return. When
// cfg.RuntimePath is empty a temporary directory is used and removed by the
// returned stop step.
func StartServer(ctx context.Context, cfg *config.EmbeddedConfig, logger *zap.Logger) (*embeddedpostgres.EmbeddedPostgres, cleanup.Func, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := AssignRandomPort(cfg, logger); err != nil {
		return nil, nil, err
	}

	runtimePath := cfg.RuntimePath
	removeRuntime := false
	if runtimePath == "" {
		dir, err := os.MkdirTemp("", "tenantkit-pg-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create runtime directory: %w", err)
		}
		runtimePath = dir
		removeRuntime = true
	}

	pgConfig := embeddedpostgres.DefaultConfig().
		Version(embeddedpostgres.PostgresVersion(cfg.Version)).
		Port(cfg.Port).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(cfg.Password).
		RuntimePath(runtimePath).
		BinariesPath(cfg.BinariesPath).
		StartTimeout(cfg.StartTimeout)
	if cfg.Logger != nil {
		pgConfig = pgConfig.Logger(cfg.Logger)
	} else {
		pgConfig = pgConfig.Logger(nil)
	}

	server := embeddedpostgres.NewDatabase(pgConfig)
	logger.Info("Starting embedded postgres server...", zap.Uint32("port", cfg.Port), zap.String("version", string(cfg.Version)))
	if err := server.Start(); err != nil {
		if removeRuntime {
			_ = os.RemoveAll(runtimePath)
		}
		return nil, nil, fmt.Errorf("failed to start embedded postgres: %w", err)
	}
	logger.Info("Embedded postgres server started", zap.String("dsn", connection.RedactDSN(cfg.DSN())))

	stop := StopEmbeddedServer(&server, logger)
	if removeRuntime {
		stopServer := stop
		stop = func() error {
			err := stopServer()
			if rmErr := os.RemoveAll(runtimePath); rmErr != nil {
				logger.Warn("Failed to remove runtime directory", zap.String("path", runtimePath), zap.Error(rmErr))
			}
			return err
		}
	}
	return server, stop, nil
}

// StopEmbeddedServer returns a cleanup step that stops *serverPtr and nils it so
// a second run is a no-op.
func StopEmbeddedServer(serverPtr **embeddedpostgres.EmbeddedPostgres, logger *zap.Logger) cleanup.Func {
	return func() error {
		server := *serverPtr
		if server == nil {
			logger.Debug("Embedded postgres server already stopped or never started.")
			return nil
		}
		if err := server.Stop(); err != nil {
			logger.Error("Error stopping embedded postgres server", zap.Error(err))
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}
		logger.Debug("Embedded postgres server stopped.")
		*serverPtr = nil
		return nil
	}
}
