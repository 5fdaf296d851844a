package model

import (
	"fmt"
	"sync"

	"github.com/openfroyo/capman/pkg/resourcelock"
)

// ExecutionState marks an element that has an action pending against it.
type ExecutionState string

const (
	// ExecutionStateNone means no action is pending.
	ExecutionStateNone ExecutionState = "none"

	// ExecutionStateStarting is set while a start is in progress.
	ExecutionStateStarting ExecutionState = "starting"

	// ExecutionStateTerminating is set while a termination is in progress.
	ExecutionStateTerminating ExecutionState = "terminating"

	// ExecutionStateRestarting is set while a restart is in progress.
	ExecutionStateRestarting ExecutionState = "restarting"

	// ExecutionStateMigrating is set while an application migrates.
	ExecutionStateMigrating ExecutionState = "migrating"

	// ExecutionStateReplicating is set while a node is being replicated.
	ExecutionStateReplicating ExecutionState = "replicating"
)

// IsPending returns true if an action is marked against the element.
func (s ExecutionState) IsPending() bool {
	return s != "" && s != ExecutionStateNone
}

// Validate checks if the execution state is valid.
func (s ExecutionState) Validate() error {
	switch s {
	case ExecutionStateNone, ExecutionStateStarting, ExecutionStateTerminating,
		ExecutionStateRestarting, ExecutionStateMigrating, ExecutionStateReplicating:
		return nil
	default:
		return fmt.Errorf("invalid execution state: %s", s)
	}
}

// ElementType identifies the kind of a landscape element.
type ElementType string

const (
	ElementTypeNodeGroup   ElementType = "node_group"
	ElementTypeNode        ElementType = "node"
	ElementTypeApplication ElementType = "application"
)

// Element is a landscape entity an action can target.
type Element interface {
	// ElementID returns a human readable identity, unique per type.
	ElementID() string

	// ElementType returns the kind of the element.
	ElementType() ElementType

	// ExecutionState returns the pending marker.
	ExecutionState() ExecutionState

	// SetExecutionState replaces the pending marker.
	SetExecutionState(state ExecutionState)

	// SyncTarget returns the lock guarding the element.
	SyncTarget() *resourcelock.Target
}

// element carries the execution marker and lock shared by every type.
type element struct {
	stateMu sync.RWMutex
	state   ExecutionState
	target  *resourcelock.Target
}

func newElement(lockName string) element {
	return element{
		state:  ExecutionStateNone,
		target: resourcelock.New(lockName),
	}
}

func (e *element) ExecutionState() ExecutionState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *element) SetExecutionState(state ExecutionState) {
	e.stateMu.Lock()
	e.state = state
	e.stateMu.Unlock()
}

func (e *element) SyncTarget() *resourcelock.Target {
	return e.target
}
