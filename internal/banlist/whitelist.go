package banlist

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/honeyport/honeyport/internal/config"
)

// Whitelist holds addresses and ranges that are never banned.
// It is immutable after construction and safe for concurrent use.
type Whitelist struct {
	prefixes []netip.Prefix
	entries  []string
}

// NewWhitelist parses single IPs and CIDR ranges.
func NewWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{
		prefixes: make([]netip.Prefix, 0, len(entries)),
		entries:  slices.Clone(entries),
	}
	for _, entry := range entries {
		prefix, err := config.ParseWhitelistEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", entry, err)
		}
		w.prefixes = append(w.prefixes, prefix)
	}
	return w, nil
}

// Contains reports whether addr is whitelisted. A nil Whitelist contains nothing.
func (w *Whitelist) Contains(addr netip.Addr) bool {
	if w == nil || !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range w.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Entries returns the whitelist as configured.
func (w *Whitelist) Entries() []string {
	if w == nil {
		return nil
	}
	return slices.Clone(w.entries)
}

// Len returns the number of configured entries.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.entries)
}
