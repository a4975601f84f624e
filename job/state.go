package job

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when a lifecycle transition is not listed in
// the transition table.
var ErrInvalidTransition = errors.New("job: invalid state transition")

// State is a lifecycle state of a job.
type State string

const (
	// StatePending means the job sits on the pending list.
	StatePending State = "pending"
	// StateDelayed means the job waits in the delayed set for its execute-at time.
	StateDelayed State = "delayed"
	// StateProcessing means a drain popped the job and is running its handler.
	StateProcessing State = "processing"
	// StateCompleted means the handler succeeded. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the handler reported an error and the dead-letter
	// queue recorded it.
	StateFailed State = "failed"
	// StateScheduledRetry means a retry sits in the retry schedule.
	StateScheduledRetry State = "scheduled_retry"
	// StateRetrying means the retry was pushed back onto the pending list.
	StateRetrying State = "retrying"
	// StatePermanentFailure means the retry budget is exhausted. Terminal until
	// an operator replays the job.
	StatePermanentFailure State = "permanent_failure"
)

// transitions enumerates every legal move. Retry depth is bounded by the
// retry count carried in the data, never by recursion.
var transitions = map[State][]State{
	StateDelayed:          {StatePending},
	StatePending:          {StateProcessing},
	StateProcessing:       {StateCompleted, StateFailed, StatePending},
	StateFailed:           {StateScheduledRetry, StatePermanentFailure},
	StateScheduledRetry:   {StateRetrying, StatePermanentFailure},
	StateRetrying:         {StateProcessing, StateCompleted, StateFailed},
	StatePermanentFailure: {StateRetrying},
	StateCompleted:        {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns to.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, errors.Wrap(ErrInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
	}
	return to, nil
}

// Terminal reports whether no automatic transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePermanentFailure
}
