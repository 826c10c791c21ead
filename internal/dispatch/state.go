package dispatch

import (
	"errors"
	"fmt"
)

// State is a step of the per-rule dispatch pipeline.
type State string

const (
	StateMatched         State = "matched"
	StateRendered        State = "rendered"
	StateSuppressedDedup State = "suppressed_dedup"
	StateSuppressedRate  State = "suppressed_rate"
	StateReady           State = "ready"
	StateSending         State = "sending"
	StateRetry           State = "retry"
	StateSent            State = "sent"
	StateFailed          State = "failed"
)

// ErrIllegalTransition is returned when the pipeline tries to move between
// two states the table does not connect.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateMatched:  {StateRendered, StateFailed},
	StateRendered: {StateSuppressedDedup, StateSuppressedRate, StateReady},
	StateReady:    {StateSending},
	StateSending:  {StateSent, StateRetry, StateFailed},
	StateRetry:    {StateSending, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether the table allows s -> to.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// tracker follows one pipeline run. It is owned by a single goroutine.
type tracker struct {
	state   State
	history []State
}

func newTracker(start State) *tracker {
	return &tracker{state: start, history: []State{start}}
}

func (t *tracker) advance(to State) error {
	if !t.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.state, to)
	}
	t.state = to
	t.history = append(t.history, to)
	return nil
}
