// Package daemon supervises the service's background workers.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DaemonFunc represents the work a daemon does. It returns when ctx is
// cancelled or on unrecoverable error.
type DaemonFunc func(ctx context.Context, name string) error

// Manager supervises multiple daemons and restarts them if they crash.
type Manager struct {
	logger  *slog.Logger
	daemons map[string]DaemonFunc
	wg      sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		daemons: make(map[string]DaemonFunc),
	}
}

// Add registers a daemon by name. Call before Start.
func (m *Manager) Add(name string, fn DaemonFunc) {
	m.daemons[name] = fn
}

// Start runs all registered daemons.
func (m *Manager) Start(ctx context.Context) {
	for name, fn := range m.daemons {
		m.wg.Add(1)
		go m.runDaemon(ctx, name, fn)
	}
}

// Wait blocks until all daemons have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) runDaemon(ctx context.Context, name string, fn DaemonFunc) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Daemon received shutdown signal", "daemon", name)
			return
		default:
			if err := fn(ctx, name); err != nil {
				m.logger.Error("Daemon crashed, restarting", "daemon", name, "error", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			m.logger.Info("Daemon exited cleanly", "daemon", name)
			return
		}
	}
}
