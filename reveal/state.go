// Package reveal sequences the client-side presentation of an open.
//
// The outcome is decided and settled by the server before anything is
// animated: a sequencer only enters Animating with the authoritative result
// in hand, so presentation can never alter or precede the outcome.
package reveal

import (
	"fmt"

	"github.com/Digital-Creators-Team/reward-module/errors"
)

// State of the reveal sequence.
type State int

const (
	Idle State = iota
	AwaitingResult
	Animating
	Revealed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingResult:
		return "awaiting_result"
	case Animating:
		return "animating"
	case Revealed:
		return "revealed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives a transition.
type Event int

const (
	EventOpen Event = iota
	EventResult
	EventFailure
	EventTimeout
	EventAnimationDone
	EventDismiss
)

func (e Event) String() string {
	switch e {
	case EventOpen:
		return "open"
	case EventResult:
		return "result"
	case EventFailure:
		return "failure"
	case EventTimeout:
		return "timeout"
	case EventAnimationDone:
		return "animation_done"
	case EventDismiss:
		return "dismiss"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

type transition struct {
	from State
	on   Event
}

// Every state has a path back to Idle.
var transitions = map[transition]State{
	{Idle, EventOpen}:               AwaitingResult,
	{AwaitingResult, EventResult}:   Animating,
	{AwaitingResult, EventFailure}:  Idle,
	{AwaitingResult, EventTimeout}:  Idle,
	{Animating, EventAnimationDone}: Revealed,
	{Animating, EventDismiss}:       Revealed,
	{Revealed, EventDismiss}:        Idle,
}

// NextState returns the state reached from s on e.
func NextState(s State, e Event) (State, error) {
	next, ok := transitions[transition{s, e}]
	if !ok {
		return s, errors.New(errors.ErrInvalidTransition, fmt.Sprintf("no transition from %s on %s", s, e))
	}
	return next, nil
}
