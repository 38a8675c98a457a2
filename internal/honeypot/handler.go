package honeypot

import (
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/honeyport/honeyport/internal/banlist"
	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/stats"
)

// welcomeWriteTimeout bounds how long a peer may stall the welcome message.
const welcomeWriteTimeout = 10 * time.Second

// Banner is the part of the ban table a connection handler needs.
type Banner interface {
	Ban(addr netip.Addr) (banlist.Status, error)
}

// Handler processes accepted connections. It is shared by every listener of
// a pool and holds no per-connection state.
type Handler struct {
	Bans   Banner
	Stats  *stats.Stats
	Logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewHandler creates a Handler.
func NewHandler(bans Banner, st *stats.Stats, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Listener()
	}
	return &Handler{Bans: bans, Stats: st, Logger: logger, sleep: time.Sleep}
}

// Serve handles one connection to completion: record the detection, send the
// welcome message if any, request a ban, wait delaySeconds when above one,
// then close. The connection is closed on every path, including panics.
func (h *Handler) Serve(conn net.Conn, delaySeconds int, welcome *config.WelcomeMessage) {
	defer conn.Close()

	remoteIP, remotePort := ExtractAddrPort(conn.RemoteAddr())
	localIP, localPort := ExtractAddrPort(conn.LocalAddr())
	logger := h.Logger
	if logger == nil {
		logger = logging.Listener()
	}
	logger = logger.With("remote_ip", remoteIP.String(), "local_port", localPort)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panicked", "panic", r)
		}
	}()

	h.Stats.Detection()
	logging.Detection(logger, "Connection detected",
		"remote_port", remotePort,
		"local_ip", localIP.String())

	if welcome != nil {
		if err := h.sendWelcome(conn, *welcome); err != nil {
			logger.Warn("Failed to send welcome message", "type", welcome.Type, "error", err)
		}
	}

	if h.Bans != nil && remoteIP.IsValid() {
		status, err := h.Bans.Ban(remoteIP)
		if err == nil {
			logger.Debug("Ban requested", "status", status.String())
		}
	}

	if delaySeconds > 1 {
		logger.Debug("Delaying disconnect", "seconds", delaySeconds)
		sleep := h.sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(time.Duration(delaySeconds) * time.Second)
	}
}

func (h *Handler) sendWelcome(conn net.Conn, msg config.WelcomeMessage) error {
	payload, err := EncodeWelcome(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(welcomeWriteTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// ExtractAddrPort returns the IP and port of a network address. IPv4-mapped
// IPv6 addresses are unmapped. Unparseable addresses yield the zero Addr.
func ExtractAddrPort(addr net.Addr) (netip.Addr, uint16) {
	if addr == nil {
		return netip.Addr{}, 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return ap.Addr().Unmap(), ap.Port()
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		// No port, parse the whole string
		ip, _ := netip.ParseAddr(addr.String())
		return ip.Unmap(), 0
	}
	ip, _ := netip.ParseAddr(host)
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return ip.Unmap(), uint16(port)
}
