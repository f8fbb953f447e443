package session

import "time"

type State string

const (
	StateCreated     State = "CREATED"
	StateLaunching   State = "LAUNCHING"
	StateHandshaking State = "HANDSHAKING"
	StateReady       State = "READY"
	StateExecuting   State = "EXECUTING"
	StateClosing     State = "CLOSING"
	StateClosed      State = "CLOSED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateClosed }

// Transition is delivered to Options.OnTransition on every state change.
type Transition struct {
	SessionID string
	From      State
	To        State
	At        time.Time
	// Err is the failure that caused a move to FAILED.
	Err error
}

var allowedTransitions = map[State][]State{
	StateCreated:     {StateLaunching, StateClosing},
	StateLaunching:   {StateHandshaking, StateFailed, StateClosing},
	StateHandshaking: {StateReady, StateFailed, StateClosing},
	StateReady:       {StateExecuting, StateFailed, StateClosing},
	StateExecuting:   {StateReady, StateFailed, StateClosing},
	StateFailed:      {StateClosing},
	StateClosing:     {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
