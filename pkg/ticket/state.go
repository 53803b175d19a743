package ticket

import "errors"

// ErrInvalidTransition is returned when a ticket is moved along an edge the
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("ticket: invalid state transition")

// State is the decision state of a ticket.
type State string

const (
	StateCreated              State = "CREATED"
	StateAuthorizationPending State = "AUTHORIZATION_PENDING"
	StateAdmitted             State = "ADMITTED"
	StateRejected             State = "REJECTED"
	StateExecuted             State = "EXECUTED"
	StateValidated            State = "VALIDATED"
	StateRolledBack           State = "ROLLED_BACK"
)

// transitions lists the allowed successor states. There is no edge that
// skips authorization or post-execution validation.
var transitions = map[State][]State{
	StateCreated:              {StateAuthorizationPending, StateAdmitted},
	StateAuthorizationPending: {StateAdmitted, StateRejected},
	StateAdmitted:             {StateExecuted},
	StateExecuted:             {StateValidated, StateRolledBack},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateValidated, StateRolledBack:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateAuthorizationPending, StateAdmitted, StateRejected,
		StateExecuted, StateValidated, StateRolledBack:
		return true
	}
	return false
}
