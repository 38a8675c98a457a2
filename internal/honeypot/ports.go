package honeypot

import (
	"slices"

	"github.com/honeyport/honeyport/internal/config"
)

// ResolvePorts computes (range ∪ specific) − exclude, sorted and without
// duplicates. Ports outside 1-65535 are dropped.
func ResolvePorts(ports config.PortsConfig) []int {
	set := make(map[int]struct{})

	if ports.Range.Enabled() {
		for p := ports.Range.Start; p <= ports.Range.End; p++ {
			set[p] = struct{}{}
		}
	}
	for _, p := range ports.Specific {
		set[p] = struct{}{}
	}
	for _, p := range ports.Exclude {
		delete(set, p)
	}

	out := make([]int, 0, len(set))
	for p := range set {
		if p >= 1 && p <= 65535 {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
