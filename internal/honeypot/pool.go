// Package honeypot listens on the monitored ports and handles every
// connection they receive.
//
// A Pool owns one Listener per port. Each Listener runs its own accept loop
// and hands connections to a shared Handler, which records the detection,
// optionally greets the peer, asks the ban table to ban it and closes the
// connection. Closing a listener's socket is the only way its accept loop is
// stopped.
package honeypot

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
)

const (
	// DefaultSettleDelay is how long Start waits for early bind failures.
	DefaultSettleDelay = time.Second
	// DefaultGracePeriod bounds how long stops wait for accept loops to exit.
	DefaultGracePeriod = 2 * time.Second
)

var (
	// ErrNoPorts is returned by Start when the resolved port set is empty.
	ErrNoPorts = errors.New("no ports to listen on")
	// ErrNotListening is returned by StopOne for a port without a listener.
	ErrNotListening = errors.New("not listening on this port")
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// BindAddress overrides ports.bind_address from the configuration.
	BindAddress string
	// SettleDelay defaults to DefaultSettleDelay. Negative disables waiting.
	SettleDelay time.Duration
	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration
	// Intn returns a uniform int in [0, n). Defaults to math/rand/v2.IntN.
	Intn func(n int) int
	// Logger defaults to logging.Listener().
	Logger *slog.Logger
}

// Pool owns the set of listeners, keyed by port.
type Pool struct {
	handler *Handler
	opts    PoolOptions
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[int]*Listener
}

// NewPool creates an empty pool whose listeners hand connections to handler.
func NewPool(handler *Handler, opts PoolOptions) *Pool {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Listener()
	}
	return &Pool{
		handler:   handler,
		opts:      opts,
		logger:    logger,
		listeners: make(map[int]*Listener),
	}
}

// Start creates a listener for every resolved port that has none, waits the
// settle delay so early bind failures are removed, and returns how many ports
// are listening. An empty resolved set returns ErrNoPorts and starts nothing.
func (p *Pool) Start(cfg *config.Config) (int, error) {
	ports := ResolvePorts(cfg.Ports)
	if len(ports) == 0 {
		return 0, ErrNoPorts
	}

	bindAddress := p.opts.BindAddress
	if bindAddress == "" {
		bindAddress = cfg.Ports.BindAddress
	}

	params := listenerParams{
		bindAddress: bindAddress,
		ceiling:     cfg.DisconnectCeiling(),
		welcomes:    cfg.WelcomeMessages(),
		intn:        p.opts.Intn,
		handler:     p.handler,
		onFailed:    p.RemoveFailed,
		logger:      p.logger,
	}

	p.mu.Lock()
	started := 0
	for _, port := range ports {
		if _, exists := p.listeners[port]; exists {
			continue
		}
		l := newListener(port, params)
		p.listeners[port] = l
		l.start()
		started++
	}
	p.mu.Unlock()

	p.logger.Info("Starting listeners", "resolved", len(ports), "started", started)

	if p.opts.SettleDelay > 0 {
		time.Sleep(p.opts.SettleDelay)
	}

	count := p.Count()
	p.logger.Info("Listening", "ports", count)
	return count, nil
}

// StopAll stops every listener, clears the pool and waits up to the grace
// period for their accept loops to exit. A failing stop never prevents the
// remaining ones. The returned error aggregates the failures.
func (p *Pool) StopAll() error {
	p.mu.Lock()
	listeners := p.listeners
	p.listeners = make(map[int]*Listener)
	p.mu.Unlock()

	ports := make([]int, 0, len(listeners))
	for port := range listeners {
		ports = append(ports, port)
	}
	slices.Sort(ports)

	var errs *multierror.Error
	for _, port := range ports {
		if err := p.stop(listeners[port]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	timeout := time.After(p.opts.GracePeriod)
	expired := false
	var stragglers []int
	for _, port := range ports {
		done := listeners[port].Done()
		if expired {
			select {
			case <-done:
			default:
				stragglers = append(stragglers, port)
			}
			continue
		}
		select {
		case <-done:
		case <-timeout:
			expired = true
			stragglers = append(stragglers, port)
		}
	}
	if len(stragglers) > 0 {
		logging.Shutdown().Warn("Listeners did not exit within grace period", "ports", stragglers)
	}

	p.logger.Info("All listeners stopped", "count", len(ports))
	return errs.ErrorOrNil()
}

// StopOne stops the listener on port and removes it.
func (p *Pool) StopOne(port int) error {
	p.mu.Lock()
	l, ok := p.listeners[port]
	if ok {
		delete(p.listeners, port)
	}
	p.mu.Unlock()

	if !ok {
		return ErrNotListening
	}

	err := p.stop(l)
	select {
	case <-l.Done():
	case <-time.After(p.opts.GracePeriod):
		logging.Shutdown().Warn("Listener did not exit within grace period", "port", port)
	}
	if err == nil {
		p.logger.Info("Stopped listening", "port", port)
	}
	return err
}

// stop stops l, logging an inactive socket as informational.
func (p *Pool) stop(l *Listener) error {
	err := l.Stop()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotActive):
		p.logger.Info("Listener had no active socket", "port", l.Port())
		return nil
	default:
		p.logger.Warn("Failed to stop listener", "port", l.Port(), "error", err)
		return err
	}
}

// RemoveFailed deregisters a listener whose bind or accept failed. It only
// removes that exact listener, so a replacement on the same port survives.
func (p *Pool) RemoveFailed(l *Listener, cause error) {
	p.mu.Lock()
	current, ok := p.listeners[l.Port()]
	removed := ok && current == l
	if removed {
		delete(p.listeners, l.Port())
	}
	p.mu.Unlock()

	if removed {
		p.logger.Error("Listener failed", "port", l.Port(), "error", cause)
	}
}

// ListPorts returns the registered ports in ascending order.
func (p *Pool) ListPorts() []int {
	p.mu.Lock()
	ports := make([]int, 0, len(p.listeners))
	for port := range p.listeners {
		ports = append(ports, port)
	}
	p.mu.Unlock()

	slices.Sort(ports)
	return ports
}

// Count returns the number of registered listeners.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// Listener returns the listener registered on port, or nil.
func (p *Pool) Listener(port int) *Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listeners[port]
}
