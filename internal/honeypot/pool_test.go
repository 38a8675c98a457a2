package honeypot

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeyport/honeyport/internal/banlist"
	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/runner"
	"github.com/honeyport/honeyport/internal/stats"
)

// freePorts returns n loopback ports that were free a moment ago.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var listeners []net.Listener
	ports := make([]int, 0, n)
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		ln.Close()
	}
	return ports
}

// recorder collects the commands a ban table runs.
type recorder struct {
	mu       sync.Mutex
	commands []string
}

func (r *recorder) Run(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	return nil
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func newTestPool(t *testing.T, h *Handler, intn func(int) int) *Pool {
	t.Helper()
	p := NewPool(h, PoolOptions{
		BindAddress: "127.0.0.1",
		SettleDelay: 50 * time.Millisecond,
		GracePeriod: time.Second,
		Intn:        intn,
		Logger:      logging.Discard(),
	})
	t.Cleanup(func() { _ = p.StopAll() })
	return p
}

func dialAndDrain(t *testing.T, port int) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return data
}

func TestPool_StartDetectAndBan(t *testing.T) {
	ports := freePorts(t, 3)
	rec := &recorder{}
	st := stats.New()
	table := banlist.New(banlist.Options{
		BanCommand:   "ban %ip",
		UnbanCommand: config.DisabledCommand,
		Runner:       rec,
		Stats:        st,
		Logger:       logging.Discard(),
	})
	defer table.Teardown()

	pool := newTestPool(t, NewHandler(table, st, logging.Discard()), nil)
	cfg := &config.Config{Ports: config.PortsConfig{Specific: ports, Exclude: []int{ports[1]}}}

	n, err := pool.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, sortedInts(ports[0], ports[2]), pool.ListPorts())

	data := dialAndDrain(t, ports[0])
	assert.Empty(t, data)

	assert.Eventually(t, func() bool { return st.Detections() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.list()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"ban 127.0.0.1"}, rec.list())
}

func sortedInts(a, b int) []int {
	if a > b {
		a, b = b, a
	}
	return []int{a, b}
}

func TestPool_StartIsIdempotentPerPort(t *testing.T) {
	ports := freePorts(t, 1)
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	cfg := &config.Config{Ports: config.PortsConfig{Specific: ports}}

	_, err := pool.Start(cfg)
	require.NoError(t, err)
	first := pool.Listener(ports[0])
	require.NotNil(t, first)

	n, err := pool.Start(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Same(t, first, pool.Listener(ports[0]))
}

func TestPool_NoPorts(t *testing.T) {
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)

	n, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: []int{23}, Exclude: []int{23}}})
	assert.ErrorIs(t, err, ErrNoPorts)
	assert.Zero(t, n)
	assert.Empty(t, pool.ListPorts())
}

func TestPool_BindFailureRemoved(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port
	free := freePorts(t, 1)[0]

	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	n, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: []int{busyPort, free}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{free}, pool.ListPorts())
	assert.Nil(t, pool.Listener(busyPort))
}

func TestPool_StopOne(t *testing.T) {
	ports := freePorts(t, 2)
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}})
	require.NoError(t, err)

	l := pool.Listener(ports[0])
	require.NotNil(t, l)

	require.NoError(t, pool.StopOne(ports[0]))
	assert.Equal(t, []int{ports[1]}, pool.ListPorts())
	assert.Equal(t, StateStopped, l.State())

	// The port is free again.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(ports[0])))
	require.NoError(t, err)
	ln.Close()

	assert.ErrorIs(t, pool.StopOne(ports[0]), ErrNotListening)
}

func TestPool_StopAll(t *testing.T) {
	ports := freePorts(t, 3)
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}})
	require.NoError(t, err)
	require.Equal(t, 3, pool.Count())

	listeners := make([]*Listener, 0, len(ports))
	for _, port := range ports {
		listeners = append(listeners, pool.Listener(port))
	}

	require.NoError(t, pool.StopAll())
	assert.Zero(t, pool.Count())
	for _, l := range listeners {
		select {
		case <-l.Done():
		default:
			t.Fatalf("listener on port %d still running", l.Port())
		}
	}

	// A second StopAll on an empty pool is fine.
	assert.NoError(t, pool.StopAll())
}

func TestPool_WelcomeMessage(t *testing.T) {
	fake := config.FakeServerConfig{
		Enabled:         true,
		WelcomeMessages: []config.WelcomeMessage{{Type: "Base64", Content: "aGk="}},
	}

	t.Run("first message", func(t *testing.T) {
		ports := freePorts(t, 1)
		pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), func(int) int { return 0 })
		_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}, FakeServer: fake})
		require.NoError(t, err)

		assert.Equal(t, "hi", string(dialAndDrain(t, ports[0])))
	})

	t.Run("no message", func(t *testing.T) {
		ports := freePorts(t, 1)
		pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), func(n int) int { return n - 1 })
		_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}, FakeServer: fake})
		require.NoError(t, err)

		assert.Nil(t, pool.Listener(ports[0]).Welcome())
		assert.Empty(t, dialAndDrain(t, ports[0]))
	})
}

func TestPool_DelayChosenFromCeiling(t *testing.T) {
	ports := freePorts(t, 1)
	var bounds []int
	intn := func(n int) int {
		bounds = append(bounds, n)
		return 0
	}
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), intn)
	cfg := &config.Config{
		Ports:      config.PortsConfig{Specific: ports},
		FakeServer: config.FakeServerConfig{Enabled: true, MaxDisconnectDelay: 7},
	}
	_, err := pool.Start(cfg)
	require.NoError(t, err)

	// One draw for the delay in [0, 7], one for the message index in [0, 0].
	assert.Equal(t, []int{8, 1}, bounds)
	assert.Zero(t, pool.Listener(ports[0]).Delay())
}

func TestListener_SecondStopNotActive(t *testing.T) {
	ports := freePorts(t, 1)
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}})
	require.NoError(t, err)

	l := pool.Listener(ports[0])
	require.NotNil(t, l)
	require.Equal(t, StateListening, l.State())

	require.NoError(t, l.Stop())
	assert.ErrorIs(t, l.Stop(), ErrNotActive)
	<-l.Done()
	assert.Equal(t, StateStopped, l.State())
}

func TestPool_RemoveFailedChecksIdentity(t *testing.T) {
	ports := freePorts(t, 1)
	pool := newTestPool(t, NewHandler(nil, nil, logging.Discard()), nil)
	_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}})
	require.NoError(t, err)

	current := pool.Listener(ports[0])
	require.NotNil(t, current)

	stale := newListener(ports[0], listenerParams{
		bindAddress: "127.0.0.1",
		intn:        func(int) int { return 0 },
		logger:      logging.Discard(),
	})
	pool.RemoveFailed(stale, errors.New("stale failure"))
	assert.Same(t, current, pool.Listener(ports[0]))

	pool.RemoveFailed(current, errors.New("accept failed"))
	assert.Nil(t, pool.Listener(ports[0]))

	_ = current.Stop()
	<-current.Done()
}

func TestPool_WithRunnerFunc(t *testing.T) {
	ports := freePorts(t, 1)
	var mu sync.Mutex
	var commands []string
	table := banlist.New(banlist.Options{
		BanCommand:   "block %ip",
		UnbanCommand: "unblock %ip",
		Duration:     time.Hour,
		Runner: runner.Func(func(_ context.Context, cmd string) error {
			mu.Lock()
			defer mu.Unlock()
			commands = append(commands, cmd)
			return nil
		}),
		Logger: logging.Discard(),
	})

	pool := newTestPool(t, NewHandler(table, nil, logging.Discard()), nil)
	_, err := pool.Start(&config.Config{Ports: config.PortsConfig{Specific: ports}})
	require.NoError(t, err)

	dialAndDrain(t, ports[0])
	dialAndDrain(t, ports[0])

	assert.Eventually(t, func() bool { return table.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.StopAll())
	report := table.Teardown()
	assert.Equal(t, 1, report.Attempted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"block 127.0.0.1", "unblock 127.0.0.1"}, commands)
}
