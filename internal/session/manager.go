package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
)

// Loader returns a fresh, validated configuration snapshot.
type Loader func() (*config.Config, error)

// Manager owns the current Session and swaps it on reload.
type Manager struct {
	load   Loader
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Session
	initial *config.Config
}

// NewManager creates a manager that starts from initial and reloads through
// load.
func NewManager(initial *config.Config, load Loader, opts Options) *Manager {
	return &Manager{
		load:    load,
		opts:    opts,
		logger:  logging.Session(),
		initial: initial,
	}
}

// Start builds and starts the first session.
func (m *Manager) Start() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	s, err := m.startLocked(m.initial)
	if err != nil {
		return nil, err
	}
	m.current = s
	return s, nil
}

// Current returns the running session, or nil before Start and after Close.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Reload loads a new snapshot, closes the running session and starts a new
// one. When the new snapshot cannot be loaded or built, the running session
// is kept. When the new session cannot start, the previous snapshot is
// started again.
func (m *Manager) Reload() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrClosed
	}

	cfg, err := m.load()
	if err != nil {
		m.logger.Warn("Reload failed, keeping previous configuration", "error", err)
		return m.current, fmt.Errorf("reload: %w", err)
	}

	next, err := New(cfg, m.opts)
	if err != nil {
		m.logger.Warn("Reload failed, keeping previous configuration", "error", err)
		return m.current, fmt.Errorf("reload: %w", err)
	}

	previous := m.current
	m.logger.Info("Reloading", "from_session", previous.ID(), "to_session", next.ID())
	if err := previous.Close(); err != nil {
		m.logger.Warn("Previous session closed with errors", "error", err)
	}
	m.current = nil

	n, err := next.Start()
	if err == nil {
		m.current = next
		m.logger.Info("Reload complete", "ports", n)
		return next, nil
	}

	_ = next.Close()
	m.logger.Error("New configuration failed to start, restoring previous one", "error", err)
	restored, rerr := m.startLocked(previous.Config())
	if rerr != nil {
		return nil, fmt.Errorf("reload: %w (restore failed: %v)", err, rerr)
	}
	m.current = restored
	return restored, fmt.Errorf("reload: %w", err)
}

// Close closes the running session. Later calls do nothing.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}

func (m *Manager) startLocked(cfg *config.Config) (*Session, error) {
	s, err := New(cfg, m.opts)
	if err != nil {
		return nil, err
	}
	if _, err := s.Start(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
