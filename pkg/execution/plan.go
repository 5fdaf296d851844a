package execution

import (
	"context"
	"fmt"
)

// PlanSummary counts the outcomes of a plan run.
type PlanSummary struct {
	// Total is the number of actions in the plan.
	Total int `json:"total"`

	// Succeeded is the number of actions that reached succ_finished.
	Succeeded int `json:"succeeded"`

	// Aborted is the number of actions that reached aborted.
	Aborted int `json:"aborted"`

	// Rejected is the number of actions that were rejected.
	Rejected int `json:"rejected"`

	// Compensated is the number of compensating actions that succeeded.
	Compensated int `json:"compensated"`

	// CompensationFailed is the number of compensating actions that did
	// not succeed.
	CompensationFailed int `json:"compensation_failed"`
}

// PlanResult is the outcome of Plan.Run.
type PlanResult struct {
	Executions    []*Execution `json:"-"`
	Compensations []*Execution `json:"-"`
	Summary       PlanSummary  `json:"summary"`
}

// Failed reports whether any action of the plan did not succeed.
func (r *PlanResult) Failed() bool {
	return r.Summary.Aborted > 0 || r.Summary.Rejected > 0
}

// Plan is a set of actions that succeed or are rolled back together. Its
// actions are submitted at once and run in parallel subject to their
// synchronization targets.
type Plan struct {
	organizer *Organizer
	actions   []Action
}

// NewPlan creates a plan running actions on organizer.
func NewPlan(organizer *Organizer, actions ...Action) *Plan {
	return &Plan{organizer: organizer, actions: actions}
}

// Add appends actions to the plan.
func (p *Plan) Add(actions ...Action) {
	p.actions = append(p.actions, actions...)
}

// Len returns the number of actions.
func (p *Plan) Len() int {
	return len(p.actions)
}

// Run submits every action and waits for all of them. If any action was
// rejected or aborted, the compensating action of every succeeded action
// is run in reverse submission order, one after the other.
func (p *Plan) Run(ctx context.Context) (*PlanResult, error) {
	result := &PlanResult{Summary: PlanSummary{Total: len(p.actions)}}

	for _, a := range p.actions {
		result.Executions = append(result.Executions, p.organizer.Submit(ctx, a))
	}

	for _, exec := range result.Executions {
		state, err := exec.Wait(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to wait for %s: %w", exec.Action.Description(), err)
		}
		switch state {
		case StateSuccFinished:
			result.Summary.Succeeded++
		case StateAborted:
			result.Summary.Aborted++
		case StateRejected:
			result.Summary.Rejected++
		}
	}

	if !result.Failed() {
		return result, nil
	}

	for i := len(result.Executions) - 1; i >= 0; i-- {
		exec := result.Executions[i]
		if exec.State() != StateSuccFinished {
			continue
		}
		inverse := exec.Action.CompensateAction()
		if inverse == nil {
			continue
		}
		comp := p.organizer.Submit(ctx, inverse)
		result.Compensations = append(result.Compensations, comp)

		state, err := comp.Wait(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to wait for compensation %s: %w", inverse.Description(), err)
		}
		if state == StateSuccFinished {
			result.Summary.Compensated++
		} else {
			result.Summary.CompensationFailed++
		}
	}
	return result, nil
}
