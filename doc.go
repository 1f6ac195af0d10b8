// Package tenantkit manages schema-per-tenant PostgreSQL databases: every
// organization gets its own schema inside one shared database, and every schema
// is kept at the level of a directory of versioned SQL migrations.
//
// It takes care of:
//
//   - Loading the migration catalog once at startup.
//   - Provisioning a schema for a new organization, with rollback on failure.
//   - Applying pending migrations to one schema, or sweeping all of them.
//   - Verifying that a schema has the tables the application needs.
//   - Caching one connection pool per tenant schema.
//
// Example:
//
//	cfg, err := config.LoadFile("tenantkit.hcl", config.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	svc, err := tenantkit.New(ctx, config.FromEnv(cfg))
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	schema, err := svc.CreateSchema(ctx, org.ID, org.Name)
//	if err != nil {
//		return err
//	}
//	tenant, err := svc.Tenant(ctx, schema)
//	...
package tenantkit
