package banlist

import "errors"

// Status is the outcome of a Ban or Unban call.
type Status int

const (
	// StatusApplied means the command was spawned and the table updated.
	StatusApplied Status = iota
	// StatusAlreadyBanned means the address already has a live entry.
	StatusAlreadyBanned
	// StatusNotFound means Unban found no entry for the address.
	StatusNotFound
	// StatusWhitelisted means the address is exempt from banning.
	StatusWhitelisted
	// StatusDisabled means the ban command is off or the table was torn down.
	StatusDisabled
	// StatusFailed means the command could not be spawned.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusAlreadyBanned:
		return "already banned"
	case StatusNotFound:
		return "not found"
	case StatusWhitelisted:
		return "whitelisted"
	case StatusDisabled:
		return "disabled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidAddress is returned by Unban for text that is not an IP address.
	ErrInvalidAddress = errors.New("invalid IP address")
	// ErrUnbanDisabled is returned by Unban when no unban command is configured.
	ErrUnbanDisabled = errors.New("unban command is disabled")
)
