package execution

import (
	"context"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/resourcelock"
)

// Kind identifies the type of an action.
type Kind string

const (
	KindNodeStart            Kind = "node_start"
	KindNodeReplicate        Kind = "node_replicate"
	KindNodeRestart          Kind = "node_restart"
	KindNodeTerminate        Kind = "node_terminate"
	KindApplicationStart     Kind = "application_start"
	KindApplicationTerminate Kind = "application_terminate"
	KindApplicationMigrate   Kind = "application_migrate"
	KindApplicationRestart   Kind = "application_restart"
)

// IsNodeLevel returns true for actions that hold a node or node group
// exclusively.
func (k Kind) IsNodeLevel() bool {
	switch k {
	case KindNodeStart, KindNodeReplicate, KindNodeRestart, KindNodeTerminate:
		return true
	default:
		return false
	}
}

// Action is one capacity-management operation run by the Organizer.
type Action interface {
	// Kind returns the action type.
	Kind() Kind

	// Description returns a short human readable summary.
	Description() string

	// ActionObject returns the element the action mutates.
	ActionObject() model.Element

	// SynchronizeOn returns the target held exclusively while the worker
	// runs.
	SynchronizeOn() *resourcelock.Target

	// CheckBeforeAction decides whether the action may run. It must not
	// change any state.
	CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool

	// BeforeAction runs once after the locks are taken.
	BeforeAction(ctx context.Context)

	// ConcreteAction performs one attempt of the core operation. It returns
	// false for a failed attempt and an error for a hard fault.
	ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error)

	// AfterAction runs once after a successful attempt.
	AfterAction(ctx context.Context)

	// Compensate tries to undo a failed action.
	Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error

	// FinallyDo runs exactly once at the end of every worker.
	FinallyDo(ctx context.Context)

	// CompensateAction returns the action undoing this one after it
	// succeeded, or nil if there is none.
	CompensateAction() Action
}

// SharedHolder is implemented by actions that hold further targets in
// shared mode, typically the node an application runs on.
type SharedHolder interface {
	SharedOn() []*resourcelock.Target
}

// ExclusiveHolder is implemented by actions that hold further targets
// exclusively next to SynchronizeOn, typically the node a group-level
// action boots or images.
type ExclusiveHolder interface {
	ExclusiveOn() []*resourcelock.Target
}

// Base provides no-op hooks for actions to embed.
type Base struct{}

// BeforeAction implements Action.
func (Base) BeforeAction(context.Context) {}

// AfterAction implements Action.
func (Base) AfterAction(context.Context) {}

// FinallyDo implements Action.
func (Base) FinallyDo(context.Context) {}

// Compensate implements Action.
func (Base) Compensate(context.Context, cloud.Controller, repository.ScalingGroupRepository) error {
	return nil
}

// CompensateAction implements Action.
func (Base) CompensateAction() Action { return nil }

// claims returns the lock claims of a.
func claims(a Action) []resourcelock.Claim {
	out := []resourcelock.Claim{{Target: a.SynchronizeOn(), Mode: resourcelock.Exclusive}}
	if ex, ok := a.(ExclusiveHolder); ok {
		for _, t := range ex.ExclusiveOn() {
			out = append(out, resourcelock.Claim{Target: t, Mode: resourcelock.Exclusive})
		}
	}
	if sh, ok := a.(SharedHolder); ok {
		for _, t := range sh.SharedOn() {
			out = append(out, resourcelock.Claim{Target: t, Mode: resourcelock.Shared})
		}
	}
	return out
}
