package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Dialer opens a new handle whose session is scoped to schemaName.
type Dialer func(ctx context.Context, schemaName string) (Handle, error)

// ConnectionError is returned when a tenant handle cannot be constructed.
type ConnectionError struct {
	Schema string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to tenant schema %q: %v", e.Schema, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Manager caches at most one live handle per schema.
type Manager struct {
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	handles map[string]Handle
	group   singleflight.Group
}

// NewManager returns an empty cache that opens handles with dial.
func NewManager(dial Dialer, logger *zap.Logger) *Manager {
	return &Manager{
		dial:    dial,
		logger:  logger.With(zap.String("component", "connection")),
		handles: make(map[string]Handle),
	}
}

func (m *Manager) cached(schemaName string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[schemaName]
	return h, ok
}

// Get returns the cached handle for schemaName, dialing one if there is none.
// Concurrent callers for the same schema share a single dial. A failed dial
// leaves nothing in the cache.
func (m *Manager) Get(ctx context.Context, schemaName string) (Handle, error) {
	if schemaName == "" {
		return nil, &ConnectionError{Schema: schemaName, Err: errors.New("schema name must not be empty")}
	}
	if h, ok := m.cached(schemaName); ok {
		return h, nil
	}

	v, err, shared := m.group.Do(schemaName, func() (any, error) {
		if h, ok := m.cached(schemaName); ok {
			return h, nil
		}
		m.logger.Debug("Opening tenant connection", zap.String("schema", schemaName))
		h, err := m.dial(ctx, schemaName)
		if err != nil {
			return nil, &ConnectionError{Schema: schemaName, Err: err}
		}
		m.mu.Lock()
		m.handles[schemaName] = h
		m.mu.Unlock()
		m.logger.Info("Opened tenant connection", zap.String("schema", schemaName))
		return h, nil
	})
	if err != nil {
		m.logger.Error("Failed to open tenant connection", zap.String("schema", schemaName), zap.Error(err))
		return nil, err
	}
	if shared {
		m.logger.Debug("Shared in-flight tenant connection", zap.String("schema", schemaName))
	}
	return v.(Handle), nil
}

// Close disconnects the handle for schemaName and evicts it. Unknown schemas
// are a no-op.
func (m *Manager) Close(schemaName string) error {
	m.mu.Lock()
	h, ok := m.handles[schemaName]
	delete(m.handles, schemaName)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.Close(); err != nil {
		m.logger.Warn("Failed to close tenant connection", zap.String("schema", schemaName), zap.Error(err))
		return fmt.Errorf("failed to close connection for schema %q: %w", schemaName, err)
	}
	m.logger.Debug("Closed tenant connection", zap.String("schema", schemaName))
	return nil
}

// Release is what per-operation callers use once they are done with a schema.
// It disconnects and evicts, same as Close.
func (m *Manager) Release(schemaName string) error {
	return m.Close(schemaName)
}

// CloseAll disconnects every cached handle and empties the cache. A failure on
// one handle is logged and the rest are still closed.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]Handle)
	m.mu.Unlock()

	names := make([]string, 0, len(handles))
	for name := range handles {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := handles[name].Close(); err != nil {
			m.logger.Warn("Failed to close tenant connection", zap.String("schema", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("schema %q: %w", name, err))
		}
	}
	if len(names) > 0 {
		m.logger.Info("Closed tenant connections", zap.Int("count", len(names)), zap.Int("failed", len(errs)))
	}
	return errors.Join(errs...)
}

// Len reports how many handles are cached.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Schemas lists the schemas with a cached handle, sorted.
func (m *Manager) Schemas() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
