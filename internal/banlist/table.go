// Package banlist tracks banned addresses and drives the external ban and
// unban commands.
//
// A Table is the single source of truth for which addresses are banned. Every
// check-then-act sequence (dedupe and insert, peek and expire, drain) runs
// under one mutex. Because the ban duration is fixed for the lifetime of a
// Table, insertion order equals expiry order and the sweeper only ever looks at
// the oldest entry.
package banlist

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/runner"
	"github.com/honeyport/honeyport/internal/stats"
)

// DefaultPollInterval is how often the sweeper re-checks an idle table.
const DefaultPollInterval = time.Second

// Options configures a Table.
type Options struct {
	// BanCommand and UnbanCommand are templates containing %ip.
	// "OFF" or empty disables them.
	BanCommand   string
	UnbanCommand string
	// Duration is the ban length. Zero means bans last until teardown.
	Duration time.Duration
	// Whitelist lists addresses that are never banned. May be nil.
	Whitelist *Whitelist
	// Runner executes the expanded commands. Required when BanCommand is enabled.
	Runner runner.Runner
	// Stats receives ban, unban and failure counts. May be nil.
	Stats *stats.Stats
	// Logger defaults to logging.BanList().
	Logger *slog.Logger
	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// Entry is a tracked ban.
type Entry struct {
	Addr netip.Addr
	// ExpiresAt is zero for bans that never expire.
	ExpiresAt time.Time
}

// TeardownReport summarizes a Teardown.
type TeardownReport struct {
	// Attempted is the number of entries present when teardown started.
	Attempted int
	// Failed is how many unban commands could not be spawned.
	Failed int
	// Remaining is the table size afterwards. Always zero.
	Remaining int
	// Err aggregates the unban failures.
	Err error
}

// Table is a concurrency-safe ban list with optional auto-expiry.
type Table struct {
	banCommand   string
	unbanCommand string
	banEnabled   bool
	// tracking is true when unbanning is possible, so entries are kept.
	tracking bool
	duration time.Duration

	whitelist *Whitelist
	runner    runner.Runner
	stats     *stats.Stats
	logger    *slog.Logger
	poll      time.Duration

	mu      sync.Mutex
	entries map[netip.Addr]*list.Element
	order   *list.List // of *Entry, oldest first
	closed  bool

	stop        chan struct{}
	stopOnce    sync.Once
	sweeperDone chan struct{} // nil when no sweeper runs
}

// New creates a Table and starts its sweeper when entries are tracked and the
// duration is positive.
func New(opts Options) *Table {
	logger := opts.Logger
	if logger == nil {
		logger = logging.BanList()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	t := &Table{
		banCommand:   opts.BanCommand,
		unbanCommand: opts.UnbanCommand,
		banEnabled:   config.CommandEnabled(opts.BanCommand),
		duration:     opts.Duration,
		whitelist:    opts.Whitelist,
		runner:       opts.Runner,
		stats:        opts.Stats,
		logger:       logger,
		poll:         poll,
		entries:      make(map[netip.Addr]*list.Element),
		order:        list.New(),
		stop:         make(chan struct{}),
	}
	t.tracking = t.banEnabled && config.CommandEnabled(opts.UnbanCommand)

	switch {
	case !t.banEnabled:
		logger.Warn("Ban command is disabled, running in detection mode only")
	case !t.tracking:
		logger.Warn("Unban command is disabled, bans are not tracked")
	default:
		logger.Info("Ban list initialized", "duration", t.duration, "whitelisted", t.whitelist.Len())
	}

	if t.tracking && t.duration > 0 {
		t.sweeperDone = make(chan struct{})
		go t.sweep()
	}

	return t
}

// NewFromConfig builds a Table from a configuration snapshot.
func NewFromConfig(cfg *config.Config, r runner.Runner, st *stats.Stats, logger *slog.Logger) (*Table, error) {
	whitelist, err := NewWhitelist(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	return New(Options{
		BanCommand:   cfg.Ban.Command,
		UnbanCommand: cfg.Ban.UnbanCommand,
		Duration:     cfg.BanDuration(),
		Whitelist:    whitelist,
		Runner:       r,
		Stats:        st,
		Logger:       logger,
	}), nil
}

// BanEnabled reports whether Ban runs a command at all.
func (t *Table) BanEnabled() bool {
	return t.banEnabled
}

// Tracking reports whether bans are recorded and can be reversed.
func (t *Table) Tracking() bool {
	return t.tracking
}

// Whitelist returns the table's whitelist.
func (t *Table) Whitelist() *Whitelist {
	return t.whitelist
}

// Ban runs the ban command for addr unless it is disabled, whitelisted or
// already banned. When tracking, the address is recorded with its expiry.
// The command runs before bookkeeping, so a spawn failure leaves no entry.
func (t *Table) Ban(addr netip.Addr) (Status, error) {
	if !t.banEnabled {
		return StatusDisabled, nil
	}
	addr = addr.Unmap()
	if !addr.IsValid() {
		return StatusFailed, ErrInvalidAddress
	}

	if t.whitelist.Contains(addr) {
		t.logger.Debug("Address is whitelisted, not banning", "ip", addr.String())
		return StatusWhitelisted, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return StatusDisabled, nil
	}

	if t.tracking {
		if _, ok := t.entries[addr]; ok {
			t.logger.Debug("Address is already banned", "ip", addr.String())
			return StatusAlreadyBanned, nil
		}
	}

	if err := t.exec(context.Background(), t.banCommand, addr); err != nil {
		t.stats.CommandFailure()
		t.logger.Error("Failed to run ban command", "ip", addr.String(), "error", err)
		return StatusFailed, fmt.Errorf("ban %s: %w", addr, err)
	}
	t.stats.Ban()

	if !t.tracking {
		logging.Ban(t.logger, "Banned address", "ip", addr.String())
		return StatusApplied, nil
	}

	entry := &Entry{Addr: addr}
	if t.duration > 0 {
		entry.ExpiresAt = time.Now().Add(t.duration)
	}
	t.entries[addr] = t.order.PushBack(entry)

	logging.Ban(t.logger, "Banned address", "ip", addr.String(), "expires_at", entry.ExpiresAt)
	return StatusApplied, nil
}

// Unban is the manual unban. The entry is removed only when the unban command
// was spawned, so a failed attempt can be retried.
func (t *Table) Unban(address string) (Status, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return StatusFailed, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	addr = addr.Unmap()

	if !t.tracking {
		return StatusDisabled, ErrUnbanDisabled
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[addr]
	if !ok {
		return StatusNotFound, nil
	}

	if err := t.unbanLocked(context.Background(), addr); err != nil {
		return StatusFailed, err
	}
	t.removeLocked(elem)
	return StatusApplied, nil
}

// List returns the banned addresses, oldest first.
func (t *Table) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, t.order.Len())
	for e := t.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Entry).Addr.String())
	}
	return out
}

// Entries returns a copy of the tracked entries, oldest first.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.order.Len())
	for e := t.order.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Entry))
	}
	return out
}

// Len returns the number of tracked entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// Contains reports whether addr has a live entry.
func (t *Table) Contains(addr netip.Addr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[addr.Unmap()]
	return ok
}

// Teardown stops the sweeper, then unbans and removes every entry in order.
// Entries are removed whether or not their unban command could be spawned.
// Later calls return an empty report, and Ban becomes a no-op.
func (t *Table) Teardown() TeardownReport {
	t.stopOnce.Do(func() { close(t.stop) })
	if t.sweeperDone != nil {
		<-t.sweeperDone
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return TeardownReport{}
	}
	t.closed = true

	// The table is locked for the whole loop, so unbans skip the spawn limiter.
	ctx := runner.WithoutRateLimit(context.Background())
	var report TeardownReport
	var errs *multierror.Error
	for front := t.order.Front(); front != nil; front = t.order.Front() {
		entry := front.Value.(*Entry)
		t.removeLocked(front)
		report.Attempted++
		if err := t.unbanLocked(ctx, entry.Addr); err != nil {
			report.Failed++
			errs = multierror.Append(errs, err)
		}
	}
	report.Remaining = t.order.Len()
	report.Err = errs.ErrorOrNil()

	if report.Attempted > 0 || t.tracking {
		level := slog.LevelInfo
		if report.Failed > 0 {
			level = slog.LevelWarn
		}
		t.logger.Log(context.Background(), level, "Ban list torn down",
			"attempted", report.Attempted,
			"failed", report.Failed,
			"remaining", report.Remaining)
	}

	return report
}

// sweep expires entries until Teardown signals stop.
func (t *Table) sweep() {
	defer close(t.sweeperDone)

	timer := time.NewTimer(t.poll)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		// Several entries can expire together, so re-check at once after a removal.
		if t.expireOldest() {
			continue
		}

		timer.Reset(t.poll)
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}
	}
}

// expireOldest removes the oldest entry if it is due. A panic is logged and
// treated as "nothing removed" so the sweeper keeps running.
func (t *Table) expireOldest() (removed bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Sweeper iteration failed", "panic", r)
			removed = false
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	front := t.order.Front()
	if front == nil {
		return false
	}
	entry := front.Value.(*Entry)
	if entry.ExpiresAt.IsZero() || time.Now().Before(entry.ExpiresAt) {
		return false
	}

	t.logger.Info("Ban expired", "ip", entry.Addr.String())
	t.removeLocked(front)
	if err := t.unbanLocked(context.Background(), entry.Addr); err != nil {
		t.logger.Warn("Expired entry removed despite unban failure", "ip", entry.Addr.String())
	}
	return true
}

// unbanLocked runs the unban command for addr and records the outcome.
// Must be called with t.mu held.
func (t *Table) unbanLocked(ctx context.Context, addr netip.Addr) error {
	if err := t.exec(ctx, t.unbanCommand, addr); err != nil {
		t.stats.CommandFailure()
		t.logger.Error("Failed to run unban command", "ip", addr.String(), "error", err)
		return fmt.Errorf("unban %s: %w", addr, err)
	}
	t.stats.Unban()
	logging.Ban(t.logger, "Unbanned address", "ip", addr.String())
	return nil
}

// removeLocked drops elem from both indexes. Must be called with t.mu held.
func (t *Table) removeLocked(elem *list.Element) {
	entry := t.order.Remove(elem).(*Entry)
	delete(t.entries, entry.Addr)
}

func (t *Table) exec(ctx context.Context, template string, addr netip.Addr) error {
	command := runner.Expand(template, addr.String())
	t.logger.Debug("Executing command", "command", command)
	return t.runner.Run(ctx, command)
}
