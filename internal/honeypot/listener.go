package honeypot

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tevino/abool"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
)

// ErrNotActive is returned by Stop when the listener holds no socket.
var ErrNotActive = errors.New("listener is not active")

// State is a listener lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener owns one bound socket and its accept loop.
//
// The disconnect delay and welcome message are chosen once at construction and
// reused for every connection accepted on this port.
type Listener struct {
	port        int
	bindAddress string
	delay       int
	welcome     *config.WelcomeMessage

	handler  *Handler
	onFailed func(*Listener, error)
	logger   *slog.Logger

	shutdown *abool.AtomicBool
	state    atomic.Int32

	mu sync.Mutex
	ln net.Listener

	done chan struct{}
}

// listenerParams carries what a pool passes to each new listener.
type listenerParams struct {
	bindAddress string
	ceiling     int
	welcomes    []config.WelcomeMessage
	intn        func(n int) int
	handler     *Handler
	onFailed    func(*Listener, error)
	logger      *slog.Logger
}

func newListener(port int, p listenerParams) *Listener {
	l := &Listener{
		port:        port,
		bindAddress: p.bindAddress,
		delay:       p.intn(p.ceiling + 1),
		handler:     p.handler,
		onFailed:    p.onFailed,
		logger:      logging.WithPort(p.logger, port),
		shutdown:    abool.New(),
		done:        make(chan struct{}),
	}

	// Index len(welcomes) means no welcome message for this port.
	if idx := p.intn(len(p.welcomes) + 1); idx < len(p.welcomes) {
		msg := p.welcomes[idx]
		l.welcome = &msg
	}

	return l
}

// Port returns the port this listener serves.
func (l *Listener) Port() int {
	return l.port
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Delay returns the disconnect delay in seconds chosen for this port.
func (l *Listener) Delay() int {
	return l.delay
}

// Welcome returns the welcome message chosen for this port, or nil.
func (l *Listener) Welcome() *config.WelcomeMessage {
	return l.welcome
}

// Done is closed when the accept loop has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Addr returns the bound address, or nil before bind or after Stop.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) start() {
	go l.run()
}

func (l *Listener) run() {
	defer close(l.done)

	ln, err := net.Listen("tcp", net.JoinHostPort(l.bindAddress, strconv.Itoa(l.port)))
	if err != nil {
		l.fail(fmt.Errorf("bind: %w", err))
		return
	}

	l.mu.Lock()
	if l.shutdown.IsSet() {
		// Stop ran before the bind finished and found nothing to close.
		l.mu.Unlock()
		ln.Close()
		l.state.Store(int32(StateStopped))
		return
	}
	l.ln = ln
	l.mu.Unlock()

	l.state.Store(int32(StateListening))
	l.logger.Debug("Listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.shutdown.IsSet() {
				l.state.Store(int32(StateStopped))
				l.logger.Debug("Listener stopped")
				return
			}
			l.mu.Lock()
			l.ln = nil
			l.mu.Unlock()
			ln.Close()
			l.fail(fmt.Errorf("accept: %w", err))
			return
		}
		go l.handler.Serve(conn, l.delay, l.welcome)
	}
}

func (l *Listener) fail(err error) {
	l.state.Store(int32(StateFailed))
	if l.onFailed != nil {
		l.onFailed(l, err)
	}
}

// Stop sets the shutdown flag and closes the socket, which unblocks Accept.
// It is idempotent; calls that find no socket return ErrNotActive.
func (l *Listener) Stop() error {
	l.shutdown.Set()

	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()

	if ln == nil {
		return ErrNotActive
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("close port %d: %w", l.port, err)
	}
	return nil
}
