package tenantkit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/catalog"
	"github.com/veiloq/tenantkit/config"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/db"
	"github.com/veiloq/tenantkit/internal/cleanup"
	"github.com/veiloq/tenantkit/internal/keylock"
	"github.com/veiloq/tenantkit/internal/logger"
	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/orgstore"
	"github.com/veiloq/tenantkit/provision"
	"github.com/veiloq/tenantkit/sweep"
	"github.com/veiloq/tenantkit/verify"
)

// Service owns the migration catalog, the shared database connections and the
// tenant connection cache. Build one per process with New and Close it on
// shutdown.
type Service struct {
	config  config.Config
	logger  *zap.Logger
	cleanup *cleanup.Manager

	loader *catalog.Loader
	admin  *db.Admin
	shared *pgxpool.Pool
	conns  *connection.Manager
	locks  *keylock.Locker
	orgs   orgstore.Catalog

	applier     *migration.Applier
	verifier    *verify.Verifier
	provisioner *provision.Provisioner
	sweeper     *sweep.Sweeper
}

var _ Kit = (*Service)(nil)

// New validates cfg, loads the migration catalog, connects to the shared
// database and wires the tenant components. Anything opened before a failure
// is closed again.
func New(ctx context.Context, initialConfig config.Config, opts ...config.Option) (_ *Service, err error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	options, cfg := config.ApplyOptions(&initialConfig, opts...)

	log, callerOwned, err := logger.InitLogger(nil, options)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	s := &Service{
		config:  cfg,
		logger:  log,
		cleanup: cleanup.NewManager(log, !callerOwned),
		locks:   keylock.New(),
	}
	defer func() {
		if err != nil {
			if cleanupErr := s.Close(); cleanupErr != nil {
				s.logger.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	// Catalog first: an unreadable migration directory is fatal before any
	// connection is opened.
	migrationsDir := s.config.MigrationsDir
	if s.config.AtlasConfig != "" {
		migrationsDir, err = catalog.DirFromAtlasHCL(s.config.AtlasConfig, s.config.AtlasEnv, s.logger)
		if err != nil {
			return nil, &catalog.InitializationError{Dir: s.config.AtlasConfig, Err: err}
		}
		s.config.MigrationsDir = migrationsDir
	}
	var loaderOpts []catalog.LoaderOption
	if options.SumCheck() {
		loaderOpts = append(loaderOpts, catalog.WithSumCheck())
	}
	s.loader = catalog.NewLoader(migrationsDir, s.logger, loaderOpts...)
	if err = s.loader.Initialize(ctx); err != nil {
		return nil, err
	}

	adminDSN, err := s.config.AdminDSN()
	if err != nil {
		return nil, err
	}
	s.admin, err = db.OpenAdmin(ctx, adminDSN, s.logger)
	if err != nil {
		return nil, err
	}
	s.cleanup.Add("close admin database", s.admin.Close)

	s.shared, err = connection.OpenPool(ctx, adminDSN, s.config.MaxConnsPerTenant, s.logger.With(zap.String("pool", "shared")))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to shared database: %w", err)
	}
	s.cleanup.Add("close shared pool", connection.ClosePool(&s.shared, "shared", s.logger))

	dialer := options.Dialer()
	if dialer == nil {
		dialer = connection.PoolDialer(s.config.TenantDSN, s.config.MaxConnsPerTenant, s.logger)
	}
	s.conns = connection.NewManager(dialer, s.logger)
	// Registered last so tenant handles close before the shared connections.
	s.cleanup.Add("close tenant connections", s.conns.CloseAll)

	s.orgs = options.Organizations()
	if s.orgs == nil {
		s.orgs = orgstore.NewStore(s.shared, s.config.OrganizationsTable, s.logger)
	}

	s.applier = migration.NewApplier(s.loader, s.conns, s.locks, migration.NewLedger(s.config.LedgerTable), s.config.StatementTimeout, s.logger)
	s.verifier = verify.New(s.conns, s.locks, verify.Rules{
		MinTables:      s.config.MinTables,
		RequiredTables: s.config.RequiredTables,
		LedgerTable:    s.config.LedgerTable,
	}, s.logger)
	s.provisioner = provision.New(provision.Options{
		Admin:    s.admin,
		Migrator: s.applier,
		Verifier: s.verifier,
		Orgs:     s.orgs,
		Conns:    s.conns,
		Locks:    s.locks,
		Role:     s.config.Role,
		Timeout:  s.config.ProvisionTimeout,
	}, s.logger)
	s.sweeper = sweep.New(s.applier, s.orgs, s.conns, s.config.SweepConcurrency, s.logger)

	if hook := options.AfterInitHook(); hook != nil {
		s.logger.Debug("Running afterInitHook...")
		if err = hook(ctx, s.shared, s.logger); err != nil {
			return nil, fmt.Errorf("afterInitHook failed: %w", err)
		}
	}

	s.logger.Info("tenantkit initialized",
		zap.String("migrations_dir", migrationsDir),
		zap.Int("migrations", len(s.loader.Catalog())),
		zap.String("database", connection.RedactDSN(adminDSN)))
	return s, nil
}

// CreateSchema implements Kit.
func (s *Service) CreateSchema(ctx context.Context, orgID, orgName string) (string, error) {
	return s.provisioner.CreateSchema(ctx, orgID, orgName)
}

// ApplyPending implements Kit.
func (s *Service) ApplyPending(ctx context.Context, schemaName string) (migration.Result, error) {
	return s.applier.ApplyPending(ctx, schemaName)
}

// Verify implements Kit.
func (s *Service) Verify(ctx context.Context, schemaName string) (bool, error) {
	return s.verifier.Verify(ctx, schemaName)
}

// ApplyToAll implements Kit.
func (s *Service) ApplyToAll(ctx context.Context) (sweep.Report, error) {
	return s.sweeper.ApplyToAll(ctx)
}

// ApplyToSubset implements Kit.
func (s *Service) ApplyToSubset(ctx context.Context, schemaNames []string) (sweep.Report, error) {
	return s.sweeper.ApplyToSubset(ctx, schemaNames)
}

// Status implements Kit. A schema that has never been migrated has no ledger
// and returns no rows.
func (s *Service) Status(ctx context.Context, schemaName string) ([]migration.LedgerEntry, error) {
	release, err := s.locks.Lock(ctx, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to lock schema %q: %w", schemaName, err)
	}
	defer release()

	h, err := s.conns.Get(ctx, schemaName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.conns.Release(schemaName); err != nil {
			s.logger.Warn("Failed to release tenant connection", zap.String("schema", schemaName), zap.Error(err))
		}
	}()

	ledger := s.applier.Ledger()
	var exists bool
	err = h.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schemaName, ledger.Table()).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger in schema %q: %w", schemaName, err)
	}
	if !exists {
		return nil, nil
	}
	return ledger.Entries(ctx, h, schemaName)
}

// Tenant implements Kit.
func (s *Service) Tenant(ctx context.Context, schemaName string) (connection.Handle, error) {
	return s.conns.Get(ctx, schemaName)
}

// CloseTenant implements Kit.
func (s *Service) CloseTenant(schemaName string) error {
	return s.conns.Close(schemaName)
}

// CloseTenants implements Kit.
func (s *Service) CloseTenants() error {
	return s.conns.CloseAll()
}

// Catalog returns a copy of the loaded migration catalog.
func (s *Service) Catalog() catalog.Catalog {
	return catalog.Catalog(s.loader.Units())
}

// Initialized reports whether the catalog has been loaded.
func (s *Service) Initialized() bool {
	return s.loader != nil && s.loader.Initialized()
}

// SharedDB returns the pool on the shared database. It is closed by Close.
func (s *Service) SharedDB() *pgxpool.Pool {
	return s.shared
}

// Organizations returns the organization catalog in use.
func (s *Service) Organizations() orgstore.Catalog {
	return s.orgs
}

// Config returns the configuration the service runs with.
func (s *Service) Config() config.Config {
	return s.config
}

// Close disconnects tenant handles, then the shared pool, then the admin
// database. Later calls return the first call's result.
func (s *Service) Close() error {
	return s.cleanup.Execute()
}
