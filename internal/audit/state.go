package audit

import "fmt"

// State is the audit lifecycle position. Transitions are linear with three
// terminal exits; anything else is a coordinator bug.
type State string

const (
	StateCreated     State = "CREATED"
	StatePlanned     State = "PLANNED"
	StateRunning     State = "RUNNING"
	StateCorrelating State = "CORRELATING"
	StateCompleted   State = "COMPLETED"
	StateCancelled   State = "CANCELLED"
	StateFailed      State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

var validTransitions = map[State][]State{
	StateCreated:     {StatePlanned, StateFailed, StateCancelled},
	StatePlanned:     {StateRunning, StateFailed, StateCancelled},
	StateRunning:     {StateCorrelating, StateFailed, StateCancelled},
	StateCorrelating: {StateCompleted, StateFailed, StateCancelled},
}

// canTransition reports whether from -> to is a legal lifecycle step.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrUnknownAudit is returned for lookups of an id the coordinator never
// issued or has already expired.
var ErrUnknownAudit = fmt.Errorf("unknown audit id")

// ErrTooManyAudits is returned when the concurrent-audit cap is reached.
var ErrTooManyAudits = fmt.Errorf("concurrent audit limit reached")
