package logger

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/tenantkit/config"
)

// InitLogger picks the logger for a service: the one passed with
// config.WithLogger, a zaptest logger when t is set, or a development logger
// writing to stdout. The bool reports whether the logger is owned by the caller
// (and must not be synced on close).
func InitLogger(t *testing.T, options *config.Settings) (*zap.Logger, bool, error) {
	if options != nil && options.Logger() != nil {
		logger := options.Logger()
		if len(options.ZapOptions()) > 0 {
			logger = logger.WithOptions(options.ZapOptions()...)
		}
		return logger, true, nil
	}

	if t != nil {
		zaptestOpts := []zaptest.LoggerOption{}
		if options != nil && options.ZapTestLevel() != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*options.ZapTestLevel()))
		}
		logger := zaptest.NewLogger(t, zaptestOpts...)
		if options != nil && len(options.ZapOptions()) > 0 {
			logger = logger.WithOptions(options.ZapOptions()...)
		}
		logger.Debug("Initialized zaptest logger")
		return logger, true, nil
	}

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stdout"}
	devConfig.ErrorOutputPaths = []string{"stderr"}

	var zapOpts []zap.Option
	if options != nil {
		zapOpts = append(zapOpts, options.ZapOptions()...)
	}
	logger, err := devConfig.Build(zapOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create default zap logger: %w", err)
	}
	logger.Debug("Initialized default zap development logger")
	return logger, false, nil
}
