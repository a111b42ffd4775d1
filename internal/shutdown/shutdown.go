// Package shutdown coordinates graceful teardown of the demo binaries.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fiberworks/jobs/internal/logging"
)

// Func is a cleanup function run during shutdown.
type Func func(context.Context) error

// Manager runs registered cleanup functions, newest first, when a signal
// arrives or Shutdown is called.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	funcs []namedFunc

	once sync.Once
	done chan struct{}
}

type namedFunc struct {
	name string
	fn   Func
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup function to run at shutdown.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM (or the given signals), then
// runs the cleanup functions.
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		m.Shutdown()
	case <-m.done:
	}
}

// Shutdown runs the registered cleanup functions under the configured
// timeout. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		defer close(m.done)

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		m.mu.Lock()
		funcs := make([]namedFunc, len(m.funcs))
		copy(funcs, m.funcs)
		m.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			nf := funcs[i]
			if err := nf.fn(ctx); err != nil {
				m.logger.Error().Err(err).Str("component", nf.name).Msg("cleanup failed")
			} else {
				m.logger.Debug().Str("component", nf.name).Msg("cleanup complete")
			}
		}
	})
}

// Done is closed once shutdown has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
