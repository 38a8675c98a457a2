// Package shutdown coordinates graceful shutdown of a running honeypot.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/honeyport/honeyport/internal/logging"
)

// CleanupFunc performs cleanup during shutdown.
// It receives a reason string describing why shutdown was triggered.
type CleanupFunc func(reason string)

// Manager runs cleanup functions exactly once, whether shutdown is triggered
// by a signal, the console or an internal failure.
//
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []CleanupFunc

	sigChan  chan os.Signal
	stopOnce sync.Once
	stopSigs chan struct{}
}

// NewManager creates a new shutdown manager.
// It does not start signal handling until Start() is called.
func NewManager() *Manager {
	return &Manager{
		done:     make(chan struct{}),
		stopSigs: make(chan struct{}),
	}
}

// AddCleanup adds a cleanup function to be called during shutdown.
// Cleanup functions are called in the order they were added.
func (m *Manager) AddCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM.
// When a signal is received, Shutdown() is called automatically.
func (m *Manager) Start() {
	logger := logging.Shutdown()
	logger.Debug("Shutdown manager started, listening for signals")

	m.sigChan = make(chan os.Signal, 1)
	signal.Notify(m.sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-m.sigChan:
			logger.Info("Signal received, initiating shutdown", "signal", sig.String())
			m.Shutdown("signal:" + sig.String())
		case <-m.stopSigs:
		}
	}()
}

// Stop stops signal handling. It does not trigger shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.sigChan != nil {
			signal.Stop(m.sigChan)
		}
		close(m.stopSigs)
	})
}

// Shutdown triggers graceful shutdown with the given reason.
// It is safe to call multiple times; only the first call runs the cleanups.
// Every call blocks until the cleanups are complete.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.run(reason)
	})
	<-m.done
}

func (m *Manager) run(reason string) {
	logger := logging.Shutdown()
	logger.Info("Starting shutdown sequence", "reason", reason)

	m.mu.Lock()
	m.reason = reason
	cleanups := make([]CleanupFunc, len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.mu.Unlock()

	for i, fn := range cleanups {
		logger.Debug("Running cleanup function", "index", i, "total", len(cleanups))
		m.runCleanup(fn, reason)
	}

	logger.Info("Shutdown sequence complete", "reason", reason)
	close(m.done)
}

// runCleanup runs fn, so a panicking cleanup cannot skip the ones after it.
func (m *Manager) runCleanup(fn CleanupFunc, reason string) {
	defer func() {
		if r := recover(); r != nil {
			logging.Shutdown().Error("Cleanup function panicked", "panic", r)
		}
	}()
	fn(reason)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns the reason for shutdown, or empty string if not yet shut down.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
