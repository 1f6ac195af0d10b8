package config

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/orgstore"
)

// AfterInitHook runs once the service has loaded its catalog and connected to the
// shared database, before New returns.
type AfterInitHook func(ctx context.Context, shared *pgxpool.Pool, logger *zap.Logger) error

// Settings holds configuration applied via functional options.
type Settings struct {
	logger        *zap.Logger       // Caller supplied logger; wins over everything below
	zapOptions    []zap.Option      // Options for zap logger creation (e.g., zap.AddCaller(false))
	zapTestLevel  *zap.AtomicLevel  // Specific level for zaptest logger
	dialer        connection.Dialer // Opens tenant handles; defaults to a pgxpool dialer
	organizations orgstore.Catalog  // Organization collaborator; defaults to the shared-DB store
	sumCheck      bool              // Validate atlas.sum when present in the migrations dir
	afterInitHook AfterInitHook
}

// --- Getters ---

func (s *Settings) Logger() *zap.Logger {
	return s.logger
}

func (s *Settings) ZapOptions() []zap.Option {
	return s.zapOptions
}

func (s *Settings) ZapTestLevel() *zap.AtomicLevel {
	return s.zapTestLevel
}

func (s *Settings) Dialer() connection.Dialer {
	return s.dialer
}

func (s *Settings) Organizations() orgstore.Catalog {
	return s.organizations
}

func (s *Settings) SumCheck() bool {
	return s.sumCheck
}

func (s *Settings) AfterInitHook() AfterInitHook {
	return s.afterInitHook
}

// Option configures a tenantkit service.
type Option func(*Settings)

// WithLogger makes the service log through logger instead of building its own.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Settings) { s.logger = logger }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapOpts ...zap.Option) Option {
	return func(s *Settings) { s.zapOptions = append(s.zapOptions, zapOpts...) }
}

// WithZapTestLevel sets the minimum log level specifically for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(s *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		s.zapTestLevel = &atomicLevel
	}
}

// WithDialer replaces the function used to open tenant handles.
func WithDialer(d connection.Dialer) Option {
	return func(s *Settings) { s.dialer = d }
}

// WithOrganizations replaces the organization catalog the provisioner writes to
// and the sweeper lists from.
func WithOrganizations(c orgstore.Catalog) Option {
	return func(s *Settings) { s.organizations = c }
}

// WithSumCheck validates the migration directory against its atlas.sum file.
func WithSumCheck() Option {
	return func(s *Settings) { s.sumCheck = true }
}

// WithAfterInitHook registers a function to run after the service is initialized.
func WithAfterInitHook(hook AfterInitHook) Option {
	return func(s *Settings) { s.afterInitHook = hook }
}

// ApplyOptions processes functional options and returns the resulting Settings
// together with a copy of initialConfig.
func ApplyOptions(initialConfig *Config, opts ...Option) (*Settings, Config) {
	settings := &Settings{
		zapOptions: make([]zap.Option, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	finalConfig := *initialConfig
	finalConfig.RequiredTables = append([]string(nil), initialConfig.RequiredTables...)
	return settings, finalConfig
}
