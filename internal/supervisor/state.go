package supervisor

import "fmt"

// State is the supervision state. Exactly one goroutine (Run) changes it.
//
// State Machine:
// Initializing -> GracePeriod -> Running -> RestartPending -> GracePeriod ...
// GracePeriod/Running/RestartPending -> Terminating -> Stopped
type State int32

const (
	StateInitializing State = iota
	StateGracePeriod
	StateRunning
	StateRestartPending
	StateTerminating
	StateStopped
)

var stateNames = [...]string{
	StateInitializing:   "initializing",
	StateGracePeriod:    "grace_period",
	StateRunning:        "running",
	StateRestartPending: "restart_pending",
	StateTerminating:    "terminating",
	StateStopped:        "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// HasChild reports whether a child pid is meaningful in this state.
func (s State) HasChild() bool {
	return s == StateGracePeriod || s == StateRunning || s == StateTerminating
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown supervision state %q", name)
}
