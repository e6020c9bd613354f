package relay

import "errors"

// State is the connection state of a [Relay].
type State int

const (
	// StateIdle is a relay that has not started, or whose start failed
	// before the connection was attempted.
	StateIdle State = iota

	// StateConnecting is a relay whose devices are held and whose remote
	// handshake is in flight.
	StateConnecting

	// StateOpen is a relay streaming in both directions.
	StateOpen

	// StateClosed is a relay that ended without error.
	StateClosed

	// StateError is a relay that ended because the connection failed.
	StateError
)

// String returns the lowercase state name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an end state. A relay in a terminal state
// cannot be restarted.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

var (
	// ErrNotIdle is returned by [Relay.Start] on a relay that was already
	// started. Relays are single-use.
	ErrNotIdle = errors.New("relay: not idle")

	// ErrConnectionFailure wraps every handshake or transport failure of the
	// remote session.
	ErrConnectionFailure = errors.New("relay: connection failure")

	// ErrStopped is returned by [Relay.Start] when Stop interrupted it.
	ErrStopped = errors.New("relay: stopped during start")
)
