package trigger

import "fmt"

// State is one stage of an instance's lifecycle. Transitions are linear and
// validated; the two terminal states record how the instance ended.
type State string

const (
	// StateNew is the initial state at event arrival.
	StateNew State = "new"

	// StateConfigured means every factor prepared its instance slice.
	StateConfigured State = "configured"

	// StatePreInstantiated means the module is compiled and the module
	// configuration is assembled.
	StatePreInstantiated State = "pre-instantiated"

	// StateInstantiated means the guest module is live.
	StateInstantiated State = "instantiated"

	// StateRunning means the guest export is executing.
	StateRunning State = "running"

	// StateCompleted is the successful terminal state.
	StateCompleted State = "completed"

	// StateTrapped is the failure terminal state: instantiation failed, the
	// guest trapped, or it exceeded its deadline.
	StateTrapped State = "trapped"
)

// validTransitions maps each state to its permitted successors.
var validTransitions = map[State][]State{
	StateNew:             {StateConfigured, StateTrapped},
	StateConfigured:      {StatePreInstantiated, StateTrapped},
	StatePreInstantiated: {StateInstantiated, StateTrapped},
	StateInstantiated:    {StateRunning, StateTrapped},
	StateRunning:         {StateCompleted, StateTrapped},
}

// lifecycle tracks one instance through its states.
type lifecycle struct {
	current State
}

func newLifecycle() *lifecycle {
	return &lifecycle{current: StateNew}
}

// advance moves to the next state, failing on any transition the state
// machine does not permit.
func (l *lifecycle) advance(to State) error {
	for _, allowed := range validTransitions[l.current] {
		if allowed == to {
			l.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle transition %s -> %s", l.current, to)
}

// terminal reports whether the lifecycle has ended.
func (l *lifecycle) terminal() bool {
	return l.current == StateCompleted || l.current == StateTrapped
}
