package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errNotImplemented = errors.New("not implemented")

type fakeHandle struct {
	schema   string
	closeErr error
	closed   atomic.Int32
}

func (h *fakeHandle) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNotImplemented
}

func (h *fakeHandle) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotImplemented
}

func (h *fakeHandle) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return h.closeErr
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   map[string]int
	handles []*fakeHandle
	delay   time.Duration
	fail    map[string]error
	closeEr map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: map[string]int{}, fail: map[string]error{}, closeEr: map[string]error{}}
}

func (d *fakeDialer) dial(ctx context.Context, schema string) (Handle, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[schema]++
	if err := d.fail[schema]; err != nil {
		return nil, err
	}
	h := &fakeHandle{schema: schema, closeErr: d.closeEr[schema]}
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *fakeDialer) count(schema string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[schema]
}

func TestGetReusesHandle(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d.dial, zaptest.NewLogger(t))
	ctx := context.Background()

	h1, err := m.Get(ctx, "org_a")
	require.NoError(t, err)
	h2, err := m.Get(ctx, "org_a")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, d.count("org_a"))
	assert.Equal(t, 1, m.Len())
}

func TestGetConcurrentSingleDial(t *testing.T) {
	d := newFakeDialer()
	d.delay = 20 * time.Millisecond
	m := NewManager(d.dial, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	got := make([]Handle, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Get(context.Background(), "org_a")
			assert.NoError(t, err)
			got[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.count("org_a"))
	for _, h := range got {
		assert.Same(t, got[0], h)
	}
}

func TestGetDialFailureLeavesNoEntry(t *testing.T) {
	d := newFakeDialer()
	boom := errors.New("connection refused")
	d.fail["org_bad"] = boom
	m := NewManager(d.dial, zaptest.NewLogger(t))

	_, err := m.Get(context.Background(), "org_bad")
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "org_bad", ce.Schema)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, m.Len())

	delete(d.fail, "org_bad")
	_, err = m.Get(context.Background(), "org_bad")
	require.NoError(t, err)
	assert.Equal(t, 2, d.count("org_bad"), "a failed dial is retried on the next Get")

	_, err = m.Get(context.Background(), "")
	require.ErrorAs(t, err, &ce)
}

func TestCloseEvicts(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d.dial, zaptest.NewLogger(t))
	ctx := context.Background()

	h1, err := m.Get(ctx, "org_a")
	require.NoError(t, err)
	require.NoError(t, m.Release("org_a"))
	assert.Equal(t, int32(1), h1.(*fakeHandle).closed.Load())
	assert.Equal(t, 0, m.Len())
	require.NoError(t, m.Close("org_a"), "closing an unknown schema is a no-op")

	h2, err := m.Get(ctx, "org_a")
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, d.count("org_a"))
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	d := newFakeDialer()
	closeErr := errors.New("socket already gone")
	d.closeEr["org_b"] = closeErr
	m := NewManager(d.dial, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, s := range []string{"org_a", "org_b", "org_c"} {
		_, err := m.Get(ctx, s)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"org_a", "org_b", "org_c"}, m.Schemas())

	err := m.CloseAll()
	require.ErrorIs(t, err, closeErr)
	assert.Equal(t, 0, m.Len())
	for _, h := range d.handles {
		assert.Equal(t, int32(1), h.closed.Load(), "handle %s must be closed", h.schema)
	}

	require.NoError(t, m.CloseAll(), "closing an empty cache is a no-op")
}
