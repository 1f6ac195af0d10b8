package tenantkit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veiloq/tenantkit/catalog"
	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/orgstore"
	"github.com/veiloq/tenantkit/sweep"
)

// Kit is the schema-per-tenant service handed to the application's HTTP and
// job layers. *Service implements it.
type Kit interface {
	// CreateSchema provisions a new schema for an organization and records it on
	// the organization. It returns the schema name.
	CreateSchema(ctx context.Context, orgID, orgName string) (string, error)
	// ApplyPending brings one tenant schema up to date.
	ApplyPending(ctx context.Context, schemaName string) (migration.Result, error)
	// Verify reports whether a tenant schema has the required tables.
	Verify(ctx context.Context, schemaName string) (bool, error)
	// ApplyToAll migrates every provisioned organization's schema. When it
	// returns, every cached tenant handle is closed, including handles for
	// schemas it did not touch. A CreateSchema or Tenant caller running at the
	// same time on the same Kit can see its handle closed underneath it, and a
	// provisioning caught this way fails and rolls back. Run sweeps on a
	// dedicated Kit, or when no onboarding is in flight.
	ApplyToAll(ctx context.Context) (sweep.Report, error)
	// ApplyToSubset migrates the named schemas. It closes every cached tenant
	// handle on return, with the same hazard as ApplyToAll.
	ApplyToSubset(ctx context.Context, schemaNames []string) (sweep.Report, error)
	// Status returns the ledger rows of a tenant schema.
	Status(ctx context.Context, schemaName string) ([]migration.LedgerEntry, error)

	// Tenant returns the cached handle scoped to schemaName.
	Tenant(ctx context.Context, schemaName string) (connection.Handle, error)
	// CloseTenant disconnects and forgets the handle for schemaName.
	CloseTenant(schemaName string) error
	// CloseTenants disconnects every cached tenant handle.
	CloseTenants() error

	Catalog() catalog.Catalog
	Initialized() bool
	SharedDB() *pgxpool.Pool
	Organizations() orgstore.Catalog

	// Close releases everything the service holds. It is safe to call more than once.
	Close() error
}
