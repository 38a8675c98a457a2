// Package stats keeps process-wide honeypot counters and exposes them in
// Prometheus text format.
//
// A Stats value outlives sessions: counters keep accumulating across reloads,
// while the gauges read from whichever session is currently bound.
package stats

import (
	"io"
	"sync/atomic"

	vm "github.com/VictoriaMetrics/metrics"
)

// Metric names.
const (
	MetricDetections      = "honeyport_detections_total"
	MetricBans            = "honeyport_bans_total"
	MetricUnbans          = "honeyport_unbans_total"
	MetricCommandFailures = "honeyport_command_failures_total"
	MetricListeningPorts  = "honeyport_listening_ports"
	MetricBannedAddresses = "honeyport_banned_addresses"
)

// Sources supplies the live values behind the gauges.
type Sources struct {
	ListeningPorts  func() int
	BannedAddresses func() int
}

// Stats holds the counters and gauges. All methods are safe for concurrent
// use, and safe to call on a nil *Stats, which records nothing.
type Stats struct {
	set *vm.Set

	detections      *vm.Counter
	bans            *vm.Counter
	unbans          *vm.Counter
	commandFailures *vm.Counter

	sources atomic.Pointer[Sources]
}

// New creates a Stats with its own metric set.
func New() *Stats {
	s := &Stats{set: vm.NewSet()}

	s.detections = s.set.NewCounter(MetricDetections)
	s.bans = s.set.NewCounter(MetricBans)
	s.unbans = s.set.NewCounter(MetricUnbans)
	s.commandFailures = s.set.NewCounter(MetricCommandFailures)

	s.set.NewGauge(MetricListeningPorts, func() float64 {
		if src := s.sources.Load(); src != nil && src.ListeningPorts != nil {
			return float64(src.ListeningPorts())
		}
		return 0
	})
	s.set.NewGauge(MetricBannedAddresses, func() float64 {
		if src := s.sources.Load(); src != nil && src.BannedAddresses != nil {
			return float64(src.BannedAddresses())
		}
		return 0
	})

	return s
}

// Bind points the gauges at a session's live values. Pass nil to unbind.
func (s *Stats) Bind(src *Sources) {
	if s == nil {
		return
	}
	s.sources.Store(src)
}

// Detection records an accepted connection.
func (s *Stats) Detection() {
	if s == nil {
		return
	}
	s.detections.Inc()
}

// Detections returns the number of accepted connections since start.
func (s *Stats) Detections() uint64 {
	if s == nil {
		return 0
	}
	return s.detections.Get()
}

// Ban records a ban command that was spawned.
func (s *Stats) Ban() {
	if s == nil {
		return
	}
	s.bans.Inc()
}

// Bans returns the number of ban commands spawned.
func (s *Stats) Bans() uint64 {
	if s == nil {
		return 0
	}
	return s.bans.Get()
}

// Unban records an unban command that was spawned.
func (s *Stats) Unban() {
	if s == nil {
		return
	}
	s.unbans.Inc()
}

// Unbans returns the number of unban commands spawned.
func (s *Stats) Unbans() uint64 {
	if s == nil {
		return 0
	}
	return s.unbans.Get()
}

// CommandFailure records a ban or unban command that could not be spawned.
func (s *Stats) CommandFailure() {
	if s == nil {
		return
	}
	s.commandFailures.Inc()
}

// CommandFailures returns the number of commands that could not be spawned.
func (s *Stats) CommandFailures() uint64 {
	if s == nil {
		return 0
	}
	return s.commandFailures.Get()
}

// WritePrometheus writes the honeypot metrics followed by Go process metrics.
func (s *Stats) WritePrometheus(w io.Writer) {
	if s == nil {
		return
	}
	s.set.WritePrometheus(w)
	vm.WriteProcessMetrics(w)
}
