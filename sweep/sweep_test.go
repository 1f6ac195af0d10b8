package sweep

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/orgstore"
)

type fakeMigrator struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *fakeMigrator) ApplyPending(_ context.Context, schemaName string) (migration.Result, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(m.delay)

	m.mu.Lock()
	m.calls = append(m.calls, schemaName)
	m.mu.Unlock()
	if err := m.fail[schemaName]; err != nil {
		return migration.Result{Schema: schemaName}, err
	}
	return migration.Result{Schema: schemaName, Applied: []string{"V003_new"}}, nil
}

func (m *fakeMigrator) sortedCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.calls...)
	sort.Strings(out)
	return out
}

type fakeCloser struct{ calls int }

func (c *fakeCloser) CloseAll() error { c.calls++; return nil }

type failingLister struct{}

func (failingLister) ListOrganizations(context.Context) ([]orgstore.Organization, error) {
	return nil, errors.New("relation \"organizations\" does not exist")
}

func TestApplyToAll(t *testing.T) {
	boom := errors.New("syntax error")
	m := &fakeMigrator{fail: map[string]error{"org_b_2": boom}}
	closer := &fakeCloser{}
	orgs := orgstore.NewMemory(
		orgstore.Organization{ID: "1", Name: "A", SchemaName: "org_a_1"},
		orgstore.Organization{ID: "2", Name: "B", SchemaName: "org_b_2"},
		orgstore.Organization{ID: "3", Name: "C"},
		orgstore.Organization{ID: "4", Name: "D", SchemaName: "org_d_4"},
	)
	s := New(m, orgs, closer, 1, zaptest.NewLogger(t))

	report, err := s.ApplyToAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, report.Ok())
	assert.ErrorIs(t, report.Errors["org_b_2"], boom)
	assert.Equal(t, []string{"V003_new"}, report.Applied["org_a_1"])
	assert.Equal(t, []string{"org_a_1", "org_b_2", "org_d_4"}, m.calls, "a failure does not stop the sweep")
	assert.Equal(t, 1, closer.calls)
}

func TestApplyToAllListingFailure(t *testing.T) {
	closer := &fakeCloser{}
	s := New(&fakeMigrator{}, failingLister{}, closer, 1, zaptest.NewLogger(t))

	_, err := s.ApplyToAll(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, closer.calls, "connections are closed even when listing fails")
}

func TestApplyToSubset(t *testing.T) {
	m := &fakeMigrator{}
	closer := &fakeCloser{}
	s := New(m, orgstore.NewMemory(), closer, 1, zaptest.NewLogger(t))

	report, err := s.ApplyToSubset(context.Background(), []string{"org_x_1", "", "org_y_2", "org_x_1"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.True(t, report.Ok())
	assert.Equal(t, []string{"org_x_1", "org_y_2"}, m.calls)
	assert.Equal(t, 1, closer.calls)

	report, err = s.ApplyToSubset(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report.Succeeded)
	assert.Equal(t, 2, closer.calls)
}

func TestSweepConcurrencyLimit(t *testing.T) {
	m := &fakeMigrator{delay: 20 * time.Millisecond}
	s := New(m, orgstore.NewMemory(), &fakeCloser{}, 3, zaptest.NewLogger(t))

	names := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	report, err := s.ApplyToSubset(context.Background(), names)
	require.NoError(t, err)
	assert.Equal(t, len(names), report.Succeeded)
	assert.Equal(t, names, m.sortedCalls())
	assert.LessOrEqual(t, m.peak.Load(), int32(3))
}
