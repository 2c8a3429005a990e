package session

import "fmt"

// State is a session controller state.
type State string

const (
	AwaitingModelOutput State = "awaiting_model_output"
	Validating          State = "validating"
	Dispatching         State = "dispatching"
	AwaitingResults     State = "awaiting_results"
	Composing           State = "composing"
	Responding          State = "responding"
	Terminated          State = "terminated"
)

// transitions lists the legal successors of each state. Any state that
// can be interrupted may go straight to Responding.
var transitions = map[State][]State{
	AwaitingModelOutput: {Validating, Responding, Terminated},
	Validating:          {Dispatching, Composing, Responding},
	Dispatching:         {AwaitingResults, Responding},
	AwaitingResults:     {Composing, Responding},
	Composing:           {AwaitingModelOutput, Responding},
	Responding:          {AwaitingModelOutput, Terminated},
	Terminated:          nil,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}
