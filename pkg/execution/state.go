package execution

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the lifecycle state of an execution.
type State string

const (
	// StateInitial is the state of a submitted action before its worker
	// started.
	StateInitial State = "initial"

	// StateRejected is terminal: admission or the precondition refused.
	StateRejected State = "rejected"

	// StateRunning means the worker owns the action.
	StateRunning State = "running"

	// StateCompensating means the core operation failed and compensation
	// is in progress.
	StateCompensating State = "compensating"

	// StateSuccFinished is terminal: the core operation succeeded.
	StateSuccFinished State = "succ_finished"

	// StateAborted is terminal: the core operation failed for good.
	StateAborted State = "aborted"
)

// IsTerminal returns true if the state never changes again.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateSuccFinished || s == StateAborted
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateInitial, StateRejected, StateRunning, StateCompensating,
		StateSuccFinished, StateAborted:
		return nil
	default:
		return fmt.Errorf("invalid execution state: %s", s)
	}
}

// Lifecycle events.
const (
	eventReject     = "reject"
	eventStart      = "start"
	eventSucceed    = "succeed"
	eventCompensate = "compensate"
	eventAbort      = "abort"
)

// transitionHook is called after every state change.
type transitionHook func(ctx context.Context, from, to State)

// newLifecycle builds the monotonic state machine shared by all actions.
func newLifecycle(hook transitionHook) *fsm.FSM {
	return fsm.NewFSM(
		string(StateInitial),
		fsm.Events{
			{Name: eventReject, Src: []string{string(StateInitial)}, Dst: string(StateRejected)},
			{Name: eventStart, Src: []string{string(StateInitial)}, Dst: string(StateRunning)},
			{Name: eventSucceed, Src: []string{string(StateRunning)}, Dst: string(StateSuccFinished)},
			{Name: eventCompensate, Src: []string{string(StateRunning)}, Dst: string(StateCompensating)},
			{Name: eventAbort, Src: []string{string(StateRunning), string(StateCompensating)}, Dst: string(StateAborted)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				if hook != nil {
					hook(ctx, State(e.Src), State(e.Dst))
				}
			},
		},
	)
}
