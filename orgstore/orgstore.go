// Package orgstore is tenantkit's view of the organization catalog kept in the
// shared database. tenantkit only lists organizations and records the schema
// each one was given; creating organizations belongs to the application.
package orgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no organization has the requested id.
var ErrNotFound = errors.New("organization not found")

// Organization is a row of the organization catalog. SchemaName is empty until
// the organization has been provisioned.
type Organization struct {
	ID         string
	Name       string
	SchemaName string
}

// Lister lists every organization.
type Lister interface {
	ListOrganizations(ctx context.Context) ([]Organization, error)
}

// SchemaWriter records the schema provisioned for an organization.
type SchemaWriter interface {
	SetSchemaName(ctx context.Context, orgID, schemaName string) error
}

// Catalog is the full collaborator: the sweeper lists, the provisioner writes.
type Catalog interface {
	Lister
	SchemaWriter
}

// Store is a Catalog over a table in the shared database with at least the
// columns id, name and schema_name.
type Store struct {
	pool   *pgxpool.Pool
	table  string // Sanitized, possibly schema-qualified.
	logger *zap.Logger
}

// NewStore returns a Store over table, which may be schema qualified ("app.organizations").
func NewStore(pool *pgxpool.Pool, table string, logger *zap.Logger) *Store {
	return &Store{
		pool:   pool,
		table:  pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		logger: logger.With(zap.String("component", "orgstore")),
	}
}

// EnsureTable creates a minimal organization table if it is missing. The dev
// command uses it to bootstrap an empty database.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    schema_name TEXT UNIQUE
)`, s.table))
	if err != nil {
		return fmt.Errorf("create organization table: %w", err)
	}
	return nil
}

// Create inserts an organization. It exists for the dev command and tests.
func (s *Store) Create(ctx context.Context, org Organization) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, name, schema_name) VALUES ($1, $2, NULLIF($3, ''))`, s.table),
		org.ID, org.Name, org.SchemaName)
	if err != nil {
		return fmt.Errorf("insert organization %s: %w", org.ID, err)
	}
	return nil
}

// Get returns one organization.
func (s *Store) Get(ctx context.Context, id string) (Organization, error) {
	var org Organization
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, name, COALESCE(schema_name, '') FROM %s WHERE id = $1`, s.table), id).
		Scan(&org.ID, &org.Name, &org.SchemaName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, fmt.Errorf("query organization %s: %w", id, err)
	}
	return org, nil
}

// ListOrganizations implements Lister, ordered by id.
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, name, COALESCE(schema_name, '') FROM %s ORDER BY id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	orgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Organization, error) {
		var org Organization
		err := row.Scan(&org.ID, &org.Name, &org.SchemaName)
		return org, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan organizations: %w", err)
	}
	return orgs, nil
}

// SetSchemaName implements SchemaWriter.
func (s *Store) SetSchemaName(ctx context.Context, orgID, schemaName string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET schema_name = $2 WHERE id = $1`, s.table), orgID, schemaName)
	if err != nil {
		return fmt.Errorf("update organization %s: %w", orgID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("Recorded organization schema", zap.String("organization_id", orgID), zap.String("schema", schemaName))
	return nil
}

// Memory is an in-process Catalog for tests and embedding.
type Memory struct {
	mu   sync.Mutex
	orgs map[string]Organization
}

// NewMemory returns a Memory holding orgs.
func NewMemory(orgs ...Organization) *Memory {
	m := &Memory{orgs: make(map[string]Organization, len(orgs))}
	for _, o := range orgs {
		m.orgs[o.ID] = o
	}
	return m
}

// ListOrganizations implements Lister, ordered by id.
func (m *Memory) ListOrganizations(context.Context) ([]Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orgs := make([]Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		orgs = append(orgs, o)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
	return orgs, nil
}

// SetSchemaName implements SchemaWriter.
func (m *Memory) SetSchemaName(_ context.Context, orgID, schemaName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[orgID]
	if !ok {
		return ErrNotFound
	}
	o.SchemaName = schemaName
	m.orgs[orgID] = o
	return nil
}

// Get returns one organization.
func (m *Memory) Get(id string) (Organization, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[id]
	return o, ok
}
