package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/resourcelock"
	"github.com/openfroyo/capman/pkg/telemetry"
)

// Config holds the retry policy of the engine.
type Config struct {
	// MaxTries bounds the number of ConcreteAction attempts per action.
	MaxTries int `json:"max_tries" yaml:"max_tries" validate:"min=1"`

	// RetryInterval is the fixed delay between two attempts.
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`

	// MaxConcurrent bounds the number of running workers. Zero means one
	// worker per action without a bound.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent" validate:"min=0"`
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxTries:      3,
		RetryInterval: 10 * time.Second,
	}
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.MaxTries < 1 {
		return fmt.Errorf("%w: max tries must be at least 1, got %d", ErrInvalidConfig, c.MaxTries)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("%w: retry interval must not be negative, got %s", ErrInvalidConfig, c.RetryInterval)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("%w: max concurrent must not be negative, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	return nil
}

// Recorder persists execution snapshots on every state change.
type Recorder interface {
	RecordExecution(ctx context.Context, snap Snapshot) error
}

// Option configures an Organizer.
type Option func(*Organizer)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Organizer) {
		o.logger = logger.With().Str("component", "organizer").Logger()
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Organizer) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Organizer) { o.tracer = t }
}

// WithAdmitter sets the admission gate.
func WithAdmitter(a Admitter) Option {
	return func(o *Organizer) { o.admitter = a }
}

// WithRecorder sets the execution recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Organizer) { o.recorder = r }
}

// Organizer submits actions onto workers and applies the retry policy.
type Organizer struct {
	cfg        Config
	controller cloud.Controller
	repo       repository.ScalingGroupRepository

	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	admitter Admitter
	recorder Recorder
	slots    *semaphore.Weighted

	wg         sync.WaitGroup
	mu         sync.RWMutex
	executions map[string]*Execution
	order      []string
}

// NewOrganizer creates an organizer driving controller with the scaling
// groups of repo.
func NewOrganizer(cfg Config, controller cloud.Controller, repo repository.ScalingGroupRepository, opts ...Option) (*Organizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if controller == nil {
		return nil, fmt.Errorf("%w: controller is required", ErrInvalidConfig)
	}
	if repo == nil {
		return nil, fmt.Errorf("%w: scaling group repository is required", ErrInvalidConfig)
	}

	o := &Organizer{
		cfg:        cfg,
		controller: controller,
		repo:       repo,
		logger:     zerolog.Nop(),
		executions: make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.MaxConcurrent > 0 {
		o.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return o, nil
}

// Config returns the retry policy.
func (o *Organizer) Config() Config {
	return o.cfg
}

// Submit checks admission and the precondition of a and, if both pass,
// starts a worker for it. It never blocks on the worker. The worker keeps
// the values of ctx but ignores its cancellation.
func (o *Organizer) Submit(ctx context.Context, a Action) *Execution {
	exec := newExecution(a, o.onTransition)
	o.track(exec)

	kind := string(a.Kind())
	logger := o.logger.With().
		Str("execution_id", exec.ID).
		Str("action", kind).
		Str("description", a.Description()).
		Logger()

	o.metrics.RecordActionSubmitted(kind)
	logger.Debug().Msg("Action submitted")

	if reasons, ok := o.admit(ctx, exec, logger); !ok {
		o.metrics.RecordActionRejected(kind)
		exec.reject(ctx, reasons)
		logger.Info().Strs("reasons", reasons).Msg("Action rejected by admission")
		return exec
	}

	passed := false
	if err := protect("check_before_action", func() error {
		passed = a.CheckBeforeAction(ctx, o.controller)
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("Precondition check panicked")
	}
	if !passed {
		o.metrics.RecordActionRejected(kind)
		exec.reject(ctx, []string{"precondition not met"})
		logger.Info().Msg("Action rejected, precondition not met")
		return exec
	}

	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), exec, logger)
	return exec
}

// Wait blocks until every worker started so far finished.
func (o *Organizer) Wait() {
	o.wg.Wait()
}

// Execution returns a tracked execution by ID.
func (o *Organizer) Execution(id string) (*Execution, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.executions[id]
	return e, ok
}

// Executions returns every tracked execution in submission order.
func (o *Organizer) Executions() []*Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Execution, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.executions[id])
	}
	return out
}

// Prune forgets every terminal execution and returns how many were
// dropped.
func (o *Organizer) Prune() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.order[:0]
	dropped := 0
	for _, id := range o.order {
		if o.executions[id].State().IsTerminal() {
			delete(o.executions, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
	return dropped
}

// Summary counts tracked executions per state.
func (o *Organizer) Summary() map[State]int {
	out := make(map[State]int)
	for _, e := range o.Executions() {
		out[e.State()]++
	}
	return out
}

func (o *Organizer) track(e *Execution) {
	o.mu.Lock()
	o.executions[e.ID] = e
	o.order = append(o.order, e.ID)
	o.mu.Unlock()
}

func (o *Organizer) admit(ctx context.Context, exec *Execution, logger zerolog.Logger) ([]string, bool) {
	if o.admitter == nil {
		return nil, true
	}
	decision, err := o.admitter.Admit(ctx, newAdmissionRequest(exec, o.repo))
	if err != nil {
		logger.Error().Err(err).Msg("Admission check failed")
		return []string{fmt.Sprintf("admission check failed: %v", err)}, false
	}
	if !decision.Allowed {
		reasons := decision.Reasons
		if len(reasons) == 0 {
			reasons = []string{"denied by admission policy"}
		}
		sort.Strings(reasons)
		return reasons, false
	}
	return nil, true
}

func (o *Organizer) onTransition(ctx context.Context, e *Execution, from, to State) {
	o.logger.Debug().
		Str("execution_id", e.ID).
		Str("action", string(e.Kind())).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Execution state changed")

	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordExecution(ctx, e.snapshot(to)); err != nil {
		o.logger.Warn().Err(err).Str("execution_id", e.ID).Msg("Failed to record execution")
	}
}

// run is the worker body. It executes exactly once per accepted action.
func (o *Organizer) run(ctx context.Context, exec *Execution, logger zerolog.Logger) {
	defer o.wg.Done()

	a := exec.Action
	kind := string(a.Kind())

	if o.slots != nil {
		if err := o.slots.Acquire(ctx, 1); err == nil {
			defer o.slots.Release(1)
		}
	}

	var object string
	if obj := a.ActionObject(); obj != nil {
		object = obj.ElementID()
	}
	ctx, span := o.tracer.StartExecutionSpan(ctx, exec.ID, kind, object)
	defer span.End()

	exec.start(ctx)
	o.metrics.RecordActionStarted()
	timer := telemetry.NewTimer()

	lockTimer := telemetry.NewTimer()
	held, err := resourcelock.AcquireAll(ctx, claims(a)...)
	o.metrics.RecordLockWait(kind, lockTimer.Duration())

	succeeded := false
	if err != nil {
		exec.setErr(fmt.Errorf("failed to acquire synchronization targets: %w", err))
		logger.Error().Err(err).Msg("Failed to acquire synchronization targets")
	} else {
		succeeded = o.execute(ctx, exec, logger)
	}

	if err := protect("finally_do", func() error { a.FinallyDo(ctx); return nil }); err != nil {
		logger.Error().Err(err).Msg("FinallyDo panicked")
	}
	held.Release()

	state := StateAborted
	event := eventAbort
	if succeeded {
		state = StateSuccFinished
		event = eventSucceed
	}

	span.SetAttributes(
		telemetry.AttrActionState.String(string(state)),
		telemetry.AttrActionAttempts.Int(exec.Attempts()),
	)
	if succeeded {
		telemetry.RecordSuccess(span)
	} else if ferr := exec.Err(); ferr != nil {
		telemetry.RecordError(span, ferr)
	}

	exec.finish(ctx, event)
	o.metrics.RecordActionFinished(kind, string(state), exec.Attempts(), timer.Duration())

	logger.Info().
		Str("state", string(state)).
		Int("attempts", exec.Attempts()).
		Bool("needs_intervention", exec.NeedsIntervention()).
		Dur("duration", timer.Duration()).
		Msg("Action finished")
}

// execute runs the hooks and the retry loop while the locks are held. It
// reports whether the core operation succeeded.
func (o *Organizer) execute(ctx context.Context, exec *Execution, logger zerolog.Logger) bool {
	a := exec.Action

	if err := protect("before_action", func() error { a.BeforeAction(ctx); return nil }); err != nil {
		exec.setErr(err)
		logger.Error().Err(err).Msg("BeforeAction panicked")
		o.compensate(ctx, exec, logger)
		return false
	}

	ok, fault := o.retry(ctx, exec, logger)
	if ok {
		if obj := a.ActionObject(); obj != nil {
			obj.SetExecutionState(model.ExecutionStateNone)
		}
		if err := protect("after_action", func() error { a.AfterAction(ctx); return nil }); err != nil {
			logger.Error().Err(err).Msg("AfterAction panicked")
		}
		return true
	}

	if fault != nil {
		exec.setErr(fault)
		logger.Error().Err(fault).Int("attempt", exec.Attempts()).Msg("Core operation faulted, aborting")
	} else {
		logger.Warn().Int("attempts", exec.Attempts()).Msg("Core operation failed, retries exhausted")
	}
	o.compensate(ctx, exec, logger)
	return false
}

// retry calls ConcreteAction up to MaxTries times. A nil fault with
// ok=false means the attempts were exhausted.
func (o *Organizer) retry(ctx context.Context, exec *Execution, logger zerolog.Logger) (ok bool, fault error) {
	a := exec.Action

	operation := func() (struct{}, error) {
		attempt := exec.nextAttempt()
		var succeeded bool
		err := protect("concrete_action", func() error {
			var cerr error
			succeeded, cerr = a.ConcreteAction(ctx, o.controller, o.repo)
			return cerr
		})
		if err != nil {
			fault = err
			return struct{}{}, backoff.Permanent(err)
		}
		if !succeeded {
			logger.Debug().Int("attempt", attempt).Int("max_tries", o.cfg.MaxTries).Msg("Attempt failed")
			return struct{}{}, errAttemptFailed
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(o.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(o.cfg.MaxTries)),
		backoff.WithMaxElapsedTime(0),
	)
	if fault != nil {
		return false, fault
	}
	return err == nil, nil
}

// compensate runs Compensate best-effort. Errors are logged and recorded
// on the execution, never returned.
func (o *Organizer) compensate(ctx context.Context, exec *Execution, logger zerolog.Logger) {
	a := exec.Action
	_ = exec.fire(ctx, eventCompensate)

	err := protect("compensate", func() error {
		return a.Compensate(ctx, o.controller, o.repo)
	})
	o.metrics.RecordCompensation(string(a.Kind()), err)
	if err != nil {
		exec.setCompensationErr(err)
		logger.Error().Err(err).Msg("Compensation failed, manual intervention needed")
		return
	}
	logger.Info().Msg("Compensation finished")
}
