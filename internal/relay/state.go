package relay

import "fmt"

// State is the relay loop state of a session.
type State int32

const (
	StateRunning State = iota
	StateStoppingSignal
	StateStoppingDone
	StateStoppingError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStoppingSignal:
		return "stopping_signal"
	case StateStoppingDone:
		return "stopping_done"
	case StateStoppingError:
		return "stopping_error"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stopping reports whether s is one of the stopping states.
func (s State) Stopping() bool {
	return s == StateStoppingSignal || s == StateStoppingDone || s == StateStoppingError
}

// Interrupted reports whether finalizing from s marks the turn interrupted.
func (s State) Interrupted() bool {
	return s == StateStoppingSignal || s == StateStoppingError
}

// reason labels the exit for logs and metrics.
func (s State) reason() string {
	switch s {
	case StateStoppingSignal:
		return "signal"
	case StateStoppingDone:
		return "done"
	case StateStoppingError:
		return "upstream_error"
	default:
		return s.String()
	}
}

func validTransition(from, to State) bool {
	switch from {
	case StateRunning:
		return to.Stopping()
	case StateStoppingSignal, StateStoppingDone, StateStoppingError:
		return to == StateTerminated
	default:
		return false
	}
}

// transition moves sess to the next state, rejecting anything the loop
// cannot legally do.
func (s *Session) transition(to State) error {
	for {
		from := State(s.state.Load())
		if !validTransition(from, to) {
			return fmt.Errorf("invalid state transition %s -> %s", from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}
