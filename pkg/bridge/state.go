package bridge

// State is a session connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateShuttingDown},
	StateConnecting:   {StateConnected, StateDisconnected, StateShuttingDown},
	StateConnected:    {StateDegraded, StateDisconnected, StateShuttingDown},
	StateDegraded:     {StateConnected, StateDisconnected, StateShuttingDown},
	StateShuttingDown: {StateClosed},
}

// validTransition reports whether from -> to is an edge of the state machine.
func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// StateObserver is notified of every transition, in order, from the
// session's run goroutine.
type StateObserver func(from, to State, reason string)
