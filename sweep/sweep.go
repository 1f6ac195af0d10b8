// Package sweep brings many tenant schemas up to date in one pass, the way a
// deployment does after shipping new migrations.
package sweep

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/orgstore"
)

// Report is the outcome of a sweep. A schema is counted in exactly one of
// Succeeded or Failed; Skipped counts organizations without a schema.
type Report struct {
	Succeeded int
	Failed    int
	Skipped   int
	Applied   map[string][]string // Units applied per schema, only for schemas that changed.
	Errors    map[string]error    // Failure per schema.
}

// Ok reports whether every schema was migrated.
func (r Report) Ok() bool { return r.Failed == 0 }

// Closer closes every cached tenant handle. *connection.Manager implements it.
type Closer interface {
	CloseAll() error
}

// Sweeper applies pending migrations across tenant schemas.
type Sweeper struct {
	migrator    migration.Migrator
	orgs        orgstore.Lister
	conns       Closer
	concurrency int
	logger      *zap.Logger
}

// New returns a Sweeper that migrates up to concurrency schemas at a time.
func New(migrator migration.Migrator, orgs orgstore.Lister, conns Closer, concurrency int, logger *zap.Logger) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{
		migrator:    migrator,
		orgs:        orgs,
		conns:       conns,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "sweep")),
	}
}

// ApplyToAll migrates the schema of every organization in the catalog.
// Organizations without a schema are skipped. Only a listing failure is
// returned as an error; per-schema failures are in the Report.
func (s *Sweeper) ApplyToAll(ctx context.Context) (Report, error) {
	defer s.closeAll()

	orgs, err := s.orgs.ListOrganizations(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list organizations: %w", err)
	}

	var names []string
	skipped := 0
	for _, o := range orgs {
		if o.SchemaName == "" {
			s.logger.Warn("Organization has no schema, skipping", zap.String("organization_id", o.ID), zap.String("name", o.Name))
			skipped++
			continue
		}
		names = append(names, o.SchemaName)
	}
	s.logger.Info("Sweeping tenant schemas", zap.Int("schemas", len(names)), zap.Int("skipped", skipped))

	report := s.apply(ctx, dedupe(names))
	report.Skipped += skipped
	return report, nil
}

// ApplyToSubset migrates the named schemas. Empty and repeated names are
// ignored. The error is always nil; it is there to match ApplyToAll.
func (s *Sweeper) ApplyToSubset(ctx context.Context, schemaNames []string) (Report, error) {
	defer s.closeAll()
	names := dedupe(schemaNames)
	s.logger.Info("Sweeping selected tenant schemas", zap.Strings("schemas", names))
	return s.apply(ctx, names), nil
}

func (s *Sweeper) apply(ctx context.Context, names []string) Report {
	report := Report{Applied: map[string][]string{}, Errors: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range names {
		g.Go(func() error {
			res, err := s.migrator.ApplyPending(gctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("Failed to migrate schema", zap.String("schema", name), zap.Error(err))
				report.Failed++
				report.Errors[name] = err
				return nil
			}
			report.Succeeded++
			if !res.UpToDate() {
				report.Applied[name] = res.Applied
			}
			s.logger.Info("Migrated schema", zap.String("schema", name), zap.Int("applied", len(res.Applied)))
			return nil
		})
	}
	// Workers never return an error, so Wait only blocks.
	_ = g.Wait()

	s.logger.Info("Sweep finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed))
	return report
}

// closeAll closes every handle in the shared cache, not only the swept ones.
func (s *Sweeper) closeAll() {
	if s.conns == nil {
		return
	}
	if err := s.conns.CloseAll(); err != nil {
		s.logger.Warn("Failed to close tenant connections after sweep", zap.Error(err))
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
