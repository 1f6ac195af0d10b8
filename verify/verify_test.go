package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/tenantkit/connection"
	"github.com/veiloq/tenantkit/internal/keylock"
	"github.com/veiloq/tenantkit/internal/pgtest"
)

func TestMain(m *testing.M) { pgtest.Main(m) }

func TestMissing(t *testing.T) {
	tables := []string{"_prisma_migrations", "gadgets", "widgets"}
	assert.Empty(t, Missing(tables, []string{"widgets", "_prisma_migrations"}, "_prisma_migrations"))
	assert.Equal(t, []string{"drugs", "employees"}, Missing(tables, []string{"widgets", "employees", "drugs"}, "_prisma_migrations"))
	assert.Empty(t, Missing(nil, []string{"_prisma_migrations"}, "_prisma_migrations"), "the ledger is never reported missing")
	assert.Empty(t, Missing(tables, nil, ""))
}

func TestVerifyConnectionError(t *testing.T) {
	boom := errors.New("refused")
	conns := connection.NewManager(func(context.Context, string) (connection.Handle, error) { return nil, boom }, zaptest.NewLogger(t))
	v := New(conns, keylock.New(), Rules{MinTables: 1}, zaptest.NewLogger(t))

	ok, err := v.Verify(context.Background(), "org_a_1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestVerify(t *testing.T) {
	dsn := pgtest.NewDatabase(t)
	cfg := pgtest.Config(dsn, "")
	logger := zaptest.NewLogger(t)
	pool := pgtest.Pool(t, dsn)
	ctx := context.Background()

	schema := "org_verify_1"
	q := pgx.Identifier{schema}.Sanitize()
	for _, stmt := range []string{
		"CREATE SCHEMA " + q,
		"CREATE TABLE " + q + ".widgets (id int)",
		"CREATE TABLE " + q + ".gadgets (id int)",
		"CREATE TABLE " + q + "._prisma_migrations (id text)",
		"CREATE VIEW " + q + ".widget_names AS SELECT id FROM " + q + ".widgets",
	} {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}

	conns := connection.NewManager(connection.PoolDialer(cfg.TenantDSN, 1, logger), logger)
	t.Cleanup(func() { _ = conns.CloseAll() })
	locks := keylock.New()

	v := New(conns, locks, Rules{MinTables: 3, RequiredTables: []string{"widgets", "gadgets"}, LedgerTable: "_prisma_migrations"}, logger)
	tables, err := v.Tables(ctx, schema)
	require.NoError(t, err)
	assert.Equal(t, []string{"_prisma_migrations", "gadgets", "widgets"}, tables, "views are not counted")

	ok, err := v.Verify(ctx, schema)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, conns.Len(), "handle is released")

	tooMany := New(conns, locks, Rules{MinTables: 4, LedgerTable: "_prisma_migrations"}, logger)
	ok, err = tooMany.Verify(ctx, schema)
	require.NoError(t, err)
	assert.False(t, ok)

	missing := New(conns, locks, Rules{RequiredTables: []string{"widgets", "doctors"}}, logger)
	ok, err = missing.Verify(ctx, schema)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.Verify(ctx, "org_does_not_exist")
	require.NoError(t, err, "an absent schema simply has no tables")
	assert.False(t, ok)
}
