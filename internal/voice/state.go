package voice

// State is the session lifecycle. All transitions go through the session's
// single transition function; anything not listed in validNext is rejected,
// which is what makes concurrent join/leave safe without scattered flags.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateConnected
	StateLeaving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var validNext = map[State][]State{
	StateIdle:      {StateJoining},
	StateJoining:   {StateConnected, StateLeaving, StateFailed},
	StateConnected: {StateLeaving, StateFailed},
	StateLeaving:   {StateIdle},
	StateFailed:    {StateLeaving},
}

func canTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}
