package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Execution is the handle of one submitted action.
type Execution struct {
	// ID uniquely identifies the execution.
	ID string

	// Action is the submitted action.
	Action Action

	// SubmittedAt is when Submit was called.
	SubmittedAt time.Time

	machine *fsm.FSM
	done    chan struct{}

	mu                sync.RWMutex
	attempts          int
	err               error
	compensationErr   error
	rejectReasons     []string
	startedAt         time.Time
	finishedAt        time.Time
	needsIntervention bool
}

func newExecution(a Action, hook func(ctx context.Context, e *Execution, from, to State)) *Execution {
	e := &Execution{
		ID:          uuid.New().String(),
		Action:      a,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}
	e.machine = newLifecycle(func(ctx context.Context, from, to State) {
		if hook != nil {
			hook(ctx, e, from, to)
		}
	})
	return e
}

// Kind returns the kind of the action.
func (e *Execution) Kind() Kind {
	return e.Action.Kind()
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	return State(e.machine.Current())
}

// Done is closed once the execution reached a terminal state.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Execution) Wait(ctx context.Context) (State, error) {
	select {
	case <-e.done:
		return e.State(), nil
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

// Attempts returns the number of ConcreteAction calls made so far.
func (e *Execution) Attempts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempts
}

// Err returns the hard fault that aborted the action, if any.
func (e *Execution) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// CompensationErr returns the error raised by Compensate, if any.
func (e *Execution) CompensationErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compensationErr
}

// NeedsIntervention reports that compensation failed and the landscape
// may be inconsistent.
func (e *Execution) NeedsIntervention() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.needsIntervention
}

// RejectReasons returns why the action was rejected.
func (e *Execution) RejectReasons() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.rejectReasons...)
}

func (e *Execution) nextAttempt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	return e.attempts
}

func (e *Execution) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

func (e *Execution) setCompensationErr(err error) {
	e.mu.Lock()
	e.compensationErr = err
	e.needsIntervention = err != nil
	e.mu.Unlock()
}

func (e *Execution) fire(ctx context.Context, event string) error {
	return e.machine.Event(context.WithoutCancel(ctx), event)
}

func (e *Execution) reject(ctx context.Context, reasons []string) {
	now := time.Now()
	e.mu.Lock()
	e.rejectReasons = reasons
	e.finishedAt = now
	e.mu.Unlock()

	_ = e.fire(ctx, eventReject)
	close(e.done)
}

func (e *Execution) start(ctx context.Context) {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	_ = e.fire(ctx, eventStart)
}

func (e *Execution) finish(ctx context.Context, event string) {
	e.mu.Lock()
	e.finishedAt = time.Now()
	e.mu.Unlock()

	_ = e.fire(ctx, event)
	close(e.done)
}

// Snapshot is a point-in-time copy of an execution, as persisted by a
// Recorder.
type Snapshot struct {
	ID                string     `json:"id"`
	Kind              Kind       `json:"kind"`
	Description       string     `json:"description"`
	ObjectType        string     `json:"object_type"`
	ObjectID          string     `json:"object_id"`
	State             State      `json:"state"`
	Attempts          int        `json:"attempts"`
	Error             string     `json:"error,omitempty"`
	CompensationError string     `json:"compensation_error,omitempty"`
	NeedsIntervention bool       `json:"needs_intervention"`
	RejectReasons     []string   `json:"reject_reasons,omitempty"`
	SubmittedAt       time.Time  `json:"submitted_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Snapshot returns a copy of the execution's current data.
func (e *Execution) Snapshot() Snapshot {
	return e.snapshot(e.State())
}

func (e *Execution) snapshot(state State) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{
		ID:                e.ID,
		Kind:              e.Action.Kind(),
		Description:       e.Action.Description(),
		State:             state,
		Attempts:          e.attempts,
		NeedsIntervention: e.needsIntervention,
		RejectReasons:     append([]string(nil), e.rejectReasons...),
		SubmittedAt:       e.SubmittedAt,
	}
	if obj := e.Action.ActionObject(); obj != nil {
		s.ObjectType = string(obj.ElementType())
		s.ObjectID = obj.ElementID()
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	if e.compensationErr != nil {
		s.CompensationError = e.compensationErr.Error()
	}
	if !e.startedAt.IsZero() {
		t := e.startedAt
		s.StartedAt = &t
	}
	if !e.finishedAt.IsZero() {
		t := e.finishedAt
		s.FinishedAt = &t
	}
	return s
}
