// Package provision creates the schema for a newly onboarded organization and
// brings it to the current migration level. A failed attempt drops the schema
// it created, so retrying is always safe.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veiloq/tenantkit/db"
	"github.com/veiloq/tenantkit/internal/cleanup"
	"github.com/veiloq/tenantkit/internal/keylock"
	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/orgstore"
	"github.com/veiloq/tenantkit/pgerr"
	"github.com/veiloq/tenantkit/verify"
)

const rollbackTimeout = 30 * time.Second

// ErrInvalidOrganization is the cause when the organization id or name is empty.
var ErrInvalidOrganization = errors.New("organization id and name must not be empty")

// ProvisioningError is returned for every provisioning failure. Schema is empty
// when the failure happened before a name was derived. Err is the original cause.
type ProvisioningError struct {
	OrganizationID string
	Schema         string
	Err            error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision schema %q for organization %s: %v", e.Schema, e.OrganizationID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SchemaAdmin is the namespace DDL the provisioner needs. *db.Admin implements it.
type SchemaAdmin interface {
	db.SchemaDropper
	CreateSchema(ctx context.Context, name string) error
	GrantAll(ctx context.Context, name, role string) error
	SchemaExists(ctx context.Context, name string) (bool, error)
}

// SchemaVerifier is implemented by *verify.Verifier.
type SchemaVerifier interface {
	Verify(ctx context.Context, schemaName string) (bool, error)
}

// HandleCloser drops any cached handle for a schema. *connection.Manager implements it.
type HandleCloser interface {
	Close(schemaName string) error
}

// Provisioner runs the onboarding workflow.
type Provisioner struct {
	admin    SchemaAdmin
	migrator migration.Migrator
	verifier SchemaVerifier
	orgs     orgstore.SchemaWriter
	conns    HandleCloser
	locks    *keylock.Locker
	role     string
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Options groups the provisioner's collaborators.
type Options struct {
	Admin    SchemaAdmin
	Migrator migration.Migrator
	Verifier SchemaVerifier
	Orgs     orgstore.SchemaWriter
	Conns    HandleCloser
	Locks    *keylock.Locker
	Role     string        // Granted ALL on each new schema.
	Timeout  time.Duration // Bounds the whole workflow. 0 means no bound.
	Now      func() time.Time
}

// New returns a Provisioner. Locks and Now default to a private locker and time.Now.
func New(opts Options, logger *zap.Logger) *Provisioner {
	p := &Provisioner{
		admin:    opts.Admin,
		migrator: opts.Migrator,
		verifier: opts.Verifier,
		orgs:     opts.Orgs,
		conns:    opts.Conns,
		locks:    opts.Locks,
		role:     opts.Role,
		timeout:  opts.Timeout,
		now:      opts.Now,
		logger:   logger.With(zap.String("component", "provision")),
	}
	if p.locks == nil {
		p.locks = keylock.New()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// CreateSchema derives a schema name for the organization, creates and migrates
// the schema, verifies it and records it on the organization. It returns the
// schema name. On failure the schema is dropped and a *ProvisioningError returned.
func (p *Provisioner) CreateSchema(ctx context.Context, orgID, orgName string) (string, error) {
	if orgID == "" || orgName == "" {
		return "", &ProvisioningError{OrganizationID: orgID, Err: ErrInvalidOrganization}
	}
	schemaName := db.SchemaName(orgName, p.now())
	logger := p.logger.With(zap.String("organization_id", orgID), zap.String("schema", schemaName))

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	fail := func(err error) (string, error) {
		err = pgerr.WrapTimeout(ctx, "provisioning", p.timeout, err)
		logger.Error("Provisioning failed", zap.Error(err))
		return "", &ProvisioningError{OrganizationID: orgID, Schema: schemaName, Err: err}
	}

	release, err := p.locks.Lock(ctx, "provision/"+schemaName)
	if err != nil {
		return fail(fmt.Errorf("failed to lock schema name: %w", err))
	}
	defer release()

	exists, err := p.admin.SchemaExists(ctx, schemaName)
	if err != nil {
		return fail(err)
	}
	if exists {
		return fail(db.ErrSchemaExists)
	}

	logger.Info("Provisioning tenant schema")
	if err := p.build(ctx, orgID, schemaName, logger); err != nil {
		rollback := cleanup.NewManager(logger, false)
		rollback.Add("drop schema", db.DropSchemaFunc(p.admin, schemaName, rollbackTimeout, logger))
		if p.conns != nil {
			rollback.Add("close tenant connection", func() error { return p.conns.Close(schemaName) })
		}
		// Rollback failures are logged by the steps themselves.
		_ = rollback.Execute()
		return fail(err)
	}

	logger.Info("Provisioned tenant schema")
	return schemaName, nil
}

func (p *Provisioner) build(ctx context.Context, orgID, schemaName string, logger *zap.Logger) error {
	if err := p.admin.CreateSchema(ctx, schemaName); err != nil {
		return err
	}
	if err := p.admin.GrantAll(ctx, schemaName, p.role); err != nil {
		return err
	}

	res, err := p.migrator.ApplyPending(ctx, schemaName)
	if err != nil {
		return err
	}
	logger.Debug("Applied migrations", zap.Strings("applied", res.Applied), zap.Int("statements", res.Statements))

	ok, err := p.verifier.Verify(ctx, schemaName)
	if err != nil {
		return err
	}
	if !ok {
		return verify.ErrVerificationFailed
	}

	if err := p.orgs.SetSchemaName(ctx, orgID, schemaName); err != nil {
		return fmt.Errorf("failed to record schema on organization: %w", err)
	}
	return nil
}
