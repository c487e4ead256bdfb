package upstream

import "time"

// State is the lifecycle state of one upstream session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateRateLimited  State = "rate_limited"
	StateFailed       State = "failed"
)

func (s State) String() string { return string(s) }

// Buffering reports whether audio should be held for the next connection.
func (s State) Buffering() bool {
	return s == StateReconnecting || s == StateRateLimited
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateRateLimited, StateFailed, StateDisconnected},
	StateConnected:    {StateReconnecting, StateRateLimited, StateFailed, StateDisconnected},
	StateReconnecting: {StateConnecting, StateFailed, StateDisconnected},
	StateRateLimited:  {StateConnecting, StateFailed, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid upstream transition from " + e.From.String() + " to " + e.To.String()
}
