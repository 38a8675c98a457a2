// Package session builds and owns one running honeypot: the ban table, the
// connection handler and the listener pool created from a single
// configuration snapshot.
//
// A reload never mutates a Session. The caller closes the current one and
// builds a new Session from the new snapshot.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/honeyport/honeyport/internal/banlist"
	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/honeypot"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/runner"
	"github.com/honeyport/honeyport/internal/stats"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session is closed")

// Options carries the dependencies a Session shares with its caller.
type Options struct {
	// Runner executes ban and unban commands. When nil, one is created from
	// the runner section of the configuration.
	Runner runner.Runner
	// Stats is shared across sessions so counters survive reloads. May be nil.
	Stats *stats.Stats
	// Pool overrides listener pool settings. BindAddress, SettleDelay and
	// Intn are mostly useful in tests.
	Pool honeypot.PoolOptions
}

// Session is one running honeypot built from one configuration snapshot.
type Session struct {
	id     string
	cfg    *config.Config
	stats  *stats.Stats
	logger *slog.Logger

	table   *banlist.Table
	handler *honeypot.Handler
	pool    *honeypot.Pool

	mu       sync.Mutex
	closed   bool
	closeErr error
}

// New builds the session graph for cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session: nil configuration")
	}

	id := uuid.New().String()
	logger := logging.WithSession(logging.Session(), id)

	r := opts.Runner
	if r == nil {
		exec, err := runner.New(cfg.Runner, logging.WithSession(logging.Runner(), id))
		if err != nil {
			return nil, fmt.Errorf("failed to create command runner: %w", err)
		}
		if exec.FallbackInfo != nil {
			logger.Warn("Using fallback command runner",
				"requested", exec.FallbackInfo.RequestedType,
				"reason", exec.FallbackInfo.Reason)
		}
		r = exec
	}

	table, err := banlist.NewFromConfig(cfg, r, opts.Stats, logging.WithSession(logging.BanList(), id))
	if err != nil {
		return nil, fmt.Errorf("failed to create ban list: %w", err)
	}

	listenerLogger := logging.WithSession(logging.Listener(), id)
	handler := honeypot.NewHandler(table, opts.Stats, listenerLogger)

	poolOpts := opts.Pool
	if poolOpts.Logger == nil {
		poolOpts.Logger = listenerLogger
	}
	pool := honeypot.NewPool(handler, poolOpts)

	s := &Session{
		id:      id,
		cfg:     cfg,
		stats:   opts.Stats,
		logger:  logger,
		table:   table,
		handler: handler,
		pool:    pool,
	}

	logger.Info("Session created",
		"config", cfg.Path,
		"ban_enabled", table.BanEnabled(),
		"tracking", table.Tracking(),
		"whitelisted", table.Whitelist().Len())
	return s, nil
}

// ID returns the session identifier used in log records.
func (s *Session) ID() string {
	return s.id
}

// Config returns the snapshot this session was built from.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// Start starts a listener on every configured port that has none and returns
// how many ports are listening. It also points the stats gauges at this
// session.
func (s *Session) Start() (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	s.stats.Bind(&stats.Sources{
		ListeningPorts:  s.pool.Count,
		BannedAddresses: s.table.Len,
	})
	return s.pool.Start(s.cfg)
}

// ListPorts returns the ports being listened on, in ascending order.
func (s *Session) ListPorts() []int {
	return s.pool.ListPorts()
}

// StopPort stops listening on a single port.
func (s *Session) StopPort(port int) error {
	return s.pool.StopOne(port)
}

// Whitelist returns the whitelist entries as configured.
func (s *Session) Whitelist() []string {
	return s.table.Whitelist().Entries()
}

// Banned returns the tracked banned addresses, oldest first.
func (s *Session) Banned() []string {
	return s.table.List()
}

// BannedEntries returns the tracked bans with their expiry times.
func (s *Session) BannedEntries() []banlist.Entry {
	return s.table.Entries()
}

// Unban manually unbans address.
func (s *Session) Unban(address string) (banlist.Status, error) {
	return s.table.Unban(address)
}

// Detections returns the process-wide detection count.
func (s *Session) Detections() uint64 {
	return s.stats.Detections()
}

// Close stops every listener and then tears down the ban table. It is safe to
// call more than once; later calls return the first result.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	var errs *multierror.Error
	if err := s.pool.StopAll(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("stop listeners: %w", err))
	}

	report := s.table.Teardown()
	if report.Err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unban %d of %d addresses: %w",
			report.Failed, report.Attempted, report.Err))
	}

	s.stats.Bind(nil)

	s.closeErr = errs.ErrorOrNil()
	s.logger.Info("Session closed",
		"unbanned", report.Attempted-report.Failed,
		"unban_failures", report.Failed,
		"detections", s.stats.Detections())
	return s.closeErr
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
