package call

// State is the 1:1 call lifecycle. Terminal states are reachable exactly once
// and always run the same teardown path.
type State int

const (
	StateInitializing State = iota
	StateCalling
	StateRinging
	StateConnected
	StateEnded
	StateDeclined
	StateMissed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateDeclined:
		return "declined"
	case StateMissed:
		return "missed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the call can never leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateMissed, StateFailed:
		return true
	}
	return false
}

var validNext = map[State][]State{
	// Initializing can end: a hangup racing an in-flight start must win, the
	// late setup aborts when it finds the state moved on.
	StateInitializing: {StateCalling, StateRinging, StateEnded, StateFailed},
	StateCalling:      {StateConnected, StateEnded, StateDeclined, StateMissed, StateFailed},
	StateRinging:      {StateConnected, StateEnded, StateDeclined, StateMissed, StateFailed},
	StateConnected:    {StateEnded, StateFailed},
}

func canTransition(from, to State) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}
