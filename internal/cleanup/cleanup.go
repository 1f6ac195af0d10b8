// Package cleanup runs teardown and compensation steps in reverse order of
// registration.
package cleanup

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Func is one cleanup step.
type Func func() error

type step struct {
	name string
	fn   Func
}

// Manager keeps a LIFO stack of named cleanup steps.
type Manager struct {
	mu          sync.Mutex
	steps       []step
	err         error // first failure, wrapped with its step name
	logger      *zap.Logger
	syncLogger  bool
	cleanupOnce sync.Once
}

// NewManager creates an empty manager. When syncLogger is true the logger is
// synced after the last step, which is what a process-level teardown wants.
func NewManager(logger *zap.Logger, syncLogger bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, syncLogger: syncLogger}
}

// Add pushes a step. Nil funcs are ignored.
func (cm *Manager) Add(name string, f Func) {
	if f == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.steps = append(cm.steps, step{name: name, fn: f})
}

// Len reports the number of registered steps.
func (cm *Manager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.steps)
}

// Execute runs every step, last added first, exactly once. A failing step is
// logged and does not stop the ones after it. The first failure is returned on
// this and every later call.
func (cm *Manager) Execute() error {
	cm.cleanupOnce.Do(func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()

		cm.logger.Debug("Starting cleanup", zap.Int("steps", len(cm.steps)))
		for i := len(cm.steps) - 1; i >= 0; i-- {
			s := cm.steps[i]
			if err := s.fn(); err != nil {
				if cm.err == nil {
					cm.err = fmt.Errorf("%s: %w", s.name, err)
					cm.logger.Error("Cleanup step failed", zap.String("step", s.name), zap.Error(err))
				} else {
					cm.logger.Error("Additional cleanup step failed", zap.String("step", s.name), zap.Error(err))
				}
				continue
			}
			cm.logger.Debug("Cleanup step done", zap.String("step", s.name))
		}
		cm.logger.Debug("Cleanup finished")

		if cm.syncLogger {
			// Sync errors on stdout/stderr are expected on some platforms.
			_ = cm.logger.Sync()
		}
	})
	return cm.err
}
