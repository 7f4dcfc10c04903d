package wire

import (
	"slices"
	"time"
)

// State is the connection state of a ChannelSet.
type State int

const (
	Unbound State = iota
	Binding
	Connected
	Unresponsive
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Binding:
		return "Binding"
	case Connected:
		return "Connected"
	case Unresponsive:
		return "Unresponsive"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name, so states read naturally in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	Unbound:      {Binding, Closed},
	Binding:      {Connected, Closed},
	Connected:    {Unresponsive, Closed},
	Unresponsive: {Connected, Closed},
	Closed:       nil,
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// StateChange describes one transition.
type StateChange struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
