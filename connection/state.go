package connection

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
	StateErrored      State = "error"
)

// IsTerminal reports whether no further transitions are possible except
// error → closed.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateErrored, StateClosed},
	StateConnected:    {StateClosed, StateErrored},
	StateErrored:      {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrNoBus is returned when a connection is built without an event bus.
	ErrNoBus = errors.New("connection requires an event bus")

	// ErrClosed is returned by a Manager after Shutdown.
	ErrClosed = errors.New("connection manager closed")

	// ErrInvalidOptions is returned for missing engine or session id.
	ErrInvalidOptions = errors.New("invalid connection options")
)

// SubscribeError reports a channel the connection failed to attach to.
type SubscribeError struct {
	Cause   error
	Channel string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.Channel, e.Cause)
}

func (e *SubscribeError) Unwrap() error {
	return e.Cause
}

// StateError is an illegal state transition. It is logged and ignored.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal connection state transition %s -> %s", e.From, e.To)
}
