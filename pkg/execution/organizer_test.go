package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/cloud/simulated"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/resourcelock"
	"github.com/openfroyo/capman/pkg/telemetry"
)

// attempt is one scripted ConcreteAction outcome.
type attempt struct {
	ok    bool
	err   error
	panic bool
}

// scriptedAction is a mock action recording every hook call.
type scriptedAction struct {
	Base
	kind    Kind
	object  model.Element
	target  *resourcelock.Target
	shared  []*resourcelock.Target
	check   bool
	script  []attempt
	body    func(ctx context.Context)
	compErr error

	mu           sync.Mutex
	calls        int
	before       int
	after        int
	compensated  int
	finally      int
	stateInAfter model.ExecutionState
}

func newScripted(target *resourcelock.Target, script ...attempt) *scriptedAction {
	return &scriptedAction{
		kind:   KindNodeRestart,
		object: model.NewNode(model.NodeSpec{Hostname: "node1", Image: "img", Flavor: "small"}),
		target: target,
		check:  true,
		script: script,
	}
}

func (a *scriptedAction) Kind() Kind { return a.kind }

func (a *scriptedAction) Description() string { return "scripted " + string(a.kind) }

func (a *scriptedAction) ActionObject() model.Element { return a.object }

func (a *scriptedAction) SynchronizeOn() *resourcelock.Target { return a.target }

func (a *scriptedAction) SharedOn() []*resourcelock.Target { return a.shared }

func (a *scriptedAction) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return a.check
}

func (a *scriptedAction) BeforeAction(ctx context.Context) {
	a.mu.Lock()
	a.before++
	a.mu.Unlock()
	a.object.SetExecutionState(model.ExecutionStateRestarting)
}

func (a *scriptedAction) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	a.mu.Lock()
	i := a.calls
	a.calls++
	a.mu.Unlock()

	if a.body != nil {
		a.body(ctx)
	}
	if i >= len(a.script) {
		return true, nil
	}
	step := a.script[i]
	if step.panic {
		panic("scripted panic")
	}
	return step.ok, step.err
}

func (a *scriptedAction) AfterAction(ctx context.Context) {
	a.mu.Lock()
	a.after++
	a.stateInAfter = a.object.ExecutionState()
	a.mu.Unlock()
}

func (a *scriptedAction) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	a.mu.Lock()
	a.compensated++
	a.mu.Unlock()
	return a.compErr
}

func (a *scriptedAction) FinallyDo(ctx context.Context) {
	a.mu.Lock()
	a.finally++
	a.mu.Unlock()
}

func (a *scriptedAction) counts() (calls, before, after, compensated, finally int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, a.before, a.after, a.compensated, a.finally
}

// mockAdmitter denies every kind listed in deny.
type mockAdmitter struct {
	deny map[Kind][]string
	err  error

	mu       sync.Mutex
	requests []AdmissionRequest
}

func (m *mockAdmitter) Admit(ctx context.Context, req AdmissionRequest) (AdmissionDecision, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.err != nil {
		return AdmissionDecision{}, m.err
	}
	if reasons, ok := m.deny[req.Kind]; ok {
		return AdmissionDecision{Allowed: false, Reasons: reasons}, nil
	}
	return AdmissionDecision{Allowed: true}, nil
}

// mockRecorder keeps every recorded snapshot.
type mockRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (m *mockRecorder) RecordExecution(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *mockRecorder) states(id string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, s := range m.snaps {
		if s.ID == id {
			out = append(out, s.State)
		}
	}
	return out
}

func testConfig(maxTries int) Config {
	return Config{MaxTries: maxTries, RetryInterval: time.Millisecond}
}

func newTestOrganizer(t *testing.T, cfg Config, opts ...Option) (*Organizer, *simulated.Controller) {
	t.Helper()
	ctrl := simulated.New()
	repo, err := repository.NewMemory(model.ScalingPolicy{
		Name:                   "worker",
		ApplicationFolder:      "worker",
		StartApplicationScript: "start.sh",
	})
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	o, err := NewOrganizer(cfg, ctrl, repo, opts...)
	if err != nil {
		t.Fatalf("NewOrganizer() error = %v", err)
	}
	return o, ctrl
}

func waitState(t *testing.T, e *Execution) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	state, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v (state %s)", err, state)
	}
	return state
}

func TestNewOrganizer_InvalidConfig(t *testing.T) {
	repo, _ := repository.NewMemory()
	ctrl := simulated.New()

	tests := []struct {
		name string
		cfg  Config
		ctrl cloud.Controller
		repo repository.ScalingGroupRepository
	}{
		{"zero tries", Config{MaxTries: 0}, ctrl, repo},
		{"negative interval", Config{MaxTries: 1, RetryInterval: -time.Second}, ctrl, repo},
		{"negative concurrency", Config{MaxTries: 1, MaxConcurrent: -1}, ctrl, repo},
		{"no controller", DefaultConfig(), nil, repo},
		{"no repository", DefaultConfig(), ctrl, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrganizer(tt.cfg, tt.ctrl, tt.repo)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewOrganizer() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOrganizer_RejectedWhenPreconditionFails(t *testing.T) {
	o, ctrl := newTestOrganizer(t, testConfig(3))
	a := newScripted(resourcelock.New("node/node1"))
	a.check = false

	exec := o.Submit(t.Context(), a)

	// Rejection happens before Submit returns.
	if exec.State() != StateRejected {
		t.Fatalf("State() = %s, want %s", exec.State(), StateRejected)
	}
	select {
	case <-exec.Done():
	default:
		t.Fatal("Done() not closed for rejected execution")
	}

	o.Wait()
	calls, before, after, compensated, finally := a.counts()
	if calls != 0 || before != 0 || after != 0 || compensated != 0 || finally != 0 {
		t.Errorf("hooks ran on rejected action: calls=%d before=%d after=%d compensated=%d finally=%d",
			calls, before, after, compensated, finally)
	}
	if ctrl.TotalCalls() != 0 {
		t.Errorf("controller received %d calls, want 0", ctrl.TotalCalls())
	}
	if a.target.Locked() {
		t.Error("target locked after rejection")
	}
	if got := exec.RejectReasons(); len(got) != 1 {
		t.Errorf("RejectReasons() = %v, want one reason", got)
	}
}

func TestOrganizer_SucceedsOnLastAttempt(t *testing.T) {
	const maxTries = 4
	o, _ := newTestOrganizer(t, testConfig(maxTries))

	script := make([]attempt, 0, maxTries)
	for i := 0; i < maxTries-1; i++ {
		script = append(script, attempt{ok: false})
	}
	script = append(script, attempt{ok: true})
	a := newScripted(resourcelock.New("node/node1"), script...)

	exec := o.Submit(t.Context(), a)
	if state := waitState(t, exec); state != StateSuccFinished {
		t.Fatalf("state = %s, want %s", state, StateSuccFinished)
	}

	calls, before, after, compensated, finally := a.counts()
	if calls != maxTries {
		t.Errorf("ConcreteAction calls = %d, want %d", calls, maxTries)
	}
	if exec.Attempts() != maxTries {
		t.Errorf("Attempts() = %d, want %d", exec.Attempts(), maxTries)
	}
	if before != 1 || after != 1 || finally != 1 {
		t.Errorf("before=%d after=%d finally=%d, want 1 each", before, after, finally)
	}
	if compensated != 0 {
		t.Errorf("Compensate calls = %d, want 0", compensated)
	}
	if a.stateInAfter != model.ExecutionStateNone {
		t.Errorf("execution state in AfterAction = %q, want cleared", a.stateInAfter)
	}
	if exec.Err() != nil {
		t.Errorf("Err() = %v, want nil", exec.Err())
	}
}

func TestOrganizer_AbortsWhenRetriesExhausted(t *testing.T) {
	const maxTries = 3
	o, _ := newTestOrganizer(t, testConfig(maxTries))
	a := newScripted(resourcelock.New("node/node1"),
		attempt{ok: false}, attempt{ok: false}, attempt{ok: false}, attempt{ok: true})

	exec := o.Submit(t.Context(), a)
	if state := waitState(t, exec); state != StateAborted {
		t.Fatalf("state = %s, want %s", state, StateAborted)
	}

	calls, _, after, compensated, finally := a.counts()
	if calls != maxTries {
		t.Errorf("ConcreteAction calls = %d, want %d", calls, maxTries)
	}
	if after != 0 {
		t.Errorf("AfterAction calls = %d, want 0", after)
	}
	if compensated != 1 {
		t.Errorf("Compensate calls = %d, want 1", compensated)
	}
	if finally != 1 {
		t.Errorf("FinallyDo calls = %d, want 1", finally)
	}
	if exec.NeedsIntervention() {
		t.Error("NeedsIntervention() = true after successful compensation")
	}
}

func TestOrganizer_HardFaultStopsRetries(t *testing.T) {
	tests := []struct {
		name string
		step attempt
	}{
		{"error", attempt{err: errors.New("instance vanished")}},
		{"panic", attempt{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrganizer(t, testConfig(5))
			a := newScripted(resourcelock.New("node/node1"), tt.step, attempt{ok: true})

			exec := o.Submit(t.Context(), a)
			if state := waitState(t, exec); state != StateAborted {
				t.Fatalf("state = %s, want %s", state, StateAborted)
			}

			calls, _, after, compensated, finally := a.counts()
			if calls != 1 || exec.Attempts() != 1 {
				t.Errorf("calls = %d, Attempts() = %d, want 1", calls, exec.Attempts())
			}
			if after != 0 {
				t.Errorf("AfterAction calls = %d, want 0", after)
			}
			if compensated != 1 {
				t.Errorf("Compensate calls = %d, want 1", compensated)
			}
			if finally != 1 {
				t.Errorf("FinallyDo calls = %d, want 1", finally)
			}
			if exec.Err() == nil {
				t.Error("Err() = nil, want the fault")
			}
		})
	}
}

func TestOrganizer_PanicErrorIsRecorded(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(2))
	a := newScripted(resourcelock.New("node/node1"), attempt{panic: true})

	exec := o.Submit(t.Context(), a)
	waitState(t, exec)

	var perr *PanicError
	if !errors.As(exec.Err(), &perr) {
		t.Fatalf("Err() = %v, want *PanicError", exec.Err())
	}
	if perr.Hook != "concrete_action" {
		t.Errorf("Hook = %q, want concrete_action", perr.Hook)
	}
}

func TestOrganizer_CompensationFailureNeedsIntervention(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "capman"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	o, _ := newTestOrganizer(t, testConfig(1), WithMetrics(metrics))
	a := newScripted(resourcelock.New("node/node1"), attempt{ok: false})
	a.compErr = errors.New("cannot undo")

	exec := o.Submit(t.Context(), a)
	if state := waitState(t, exec); state != StateAborted {
		t.Fatalf("state = %s, want %s", state, StateAborted)
	}
	if !exec.NeedsIntervention() {
		t.Error("NeedsIntervention() = false, want true")
	}
	if exec.CompensationErr() == nil {
		t.Error("CompensationErr() = nil")
	}
	expected := `
# HELP capman_compensation_failures_total Total number of failed compensations needing manual intervention
# TYPE capman_compensation_failures_total counter
capman_compensation_failures_total{kind="node_restart"} 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "capman_compensation_failures_total"); err != nil {
		t.Errorf("unexpected compensation failure metric: %v", err)
	}
}

func TestOrganizer_MutualExclusionOnSameTarget(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(1))
	target := resourcelock.New("node/node1")

	var active, maxActive int32
	body := func(ctx context.Context) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	const n = 20
	execs := make([]*Execution, 0, n)
	for i := 0; i < n; i++ {
		a := newScripted(target)
		a.body = body
		execs = append(execs, o.Submit(t.Context(), a))
	}
	o.Wait()

	for _, e := range execs {
		if e.State() != StateSuccFinished {
			t.Errorf("execution %s state = %s", e.ID, e.State())
		}
	}
	if maxActive != 1 {
		t.Errorf("max concurrent critical sections = %d, want 1", maxActive)
	}
	if target.Locked() {
		t.Error("target still locked after all actions finished")
	}
}

func TestOrganizer_ApplicationActionsShareNode(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(1))
	node := resourcelock.New("node/node1")

	var wg sync.WaitGroup
	wg.Add(2)
	overlapped := make(chan bool, 2)
	body := func(ctx context.Context) {
		wg.Done()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			overlapped <- true
		case <-time.After(2 * time.Second):
			overlapped <- false
		}
	}

	for _, name := range []string{"application/worker/a", "application/worker/b"} {
		a := newScripted(resourcelock.New(name))
		a.kind = KindApplicationRestart
		a.shared = []*resourcelock.Target{node}
		a.body = body
		o.Submit(t.Context(), a)
	}
	o.Wait()

	for i := 0; i < 2; i++ {
		if !<-overlapped {
			t.Fatal("application actions on the same node did not overlap")
		}
	}
}

func TestOrganizer_NodeActionExcludesApplicationActions(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(1))
	node := resourcelock.New("node/node1")

	var mu sync.Mutex
	var apps, nodes int
	violation := false
	enter := func(isNode bool) func(ctx context.Context) {
		return func(ctx context.Context) {
			mu.Lock()
			if isNode {
				nodes++
			} else {
				apps++
			}
			if nodes > 1 || (nodes > 0 && apps > 0) {
				violation = true
			}
			mu.Unlock()

			time.Sleep(3 * time.Millisecond)

			mu.Lock()
			if isNode {
				nodes--
			} else {
				apps--
			}
			mu.Unlock()
		}
	}

	for i := 0; i < 10; i++ {
		app := newScripted(resourcelock.New("application/worker/" + string(rune('a'+i))))
		app.kind = KindApplicationRestart
		app.shared = []*resourcelock.Target{node}
		app.body = enter(false)
		o.Submit(t.Context(), app)

		if i%3 == 0 {
			n := newScripted(node)
			n.body = enter(true)
			o.Submit(t.Context(), n)
		}
	}
	o.Wait()

	if violation {
		t.Error("node-level action overlapped with an application-level action")
	}
	if node.Locked() {
		t.Error("node target still locked")
	}
}

func TestOrganizer_MaxConcurrentBoundsWorkers(t *testing.T) {
	cfg := testConfig(1)
	cfg.MaxConcurrent = 2
	o, _ := newTestOrganizer(t, cfg)

	var active, maxActive int32
	for i := 0; i < 8; i++ {
		a := newScripted(resourcelock.New("node/n" + string(rune('0'+i))))
		a.body = func(ctx context.Context) {
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}
		o.Submit(t.Context(), a)
	}
	o.Wait()

	if maxActive > 2 {
		t.Errorf("max running workers = %d, want <= 2", maxActive)
	}
}

func TestOrganizer_AdmissionDenied(t *testing.T) {
	admitter := &mockAdmitter{deny: map[Kind][]string{
		KindNodeRestart: {"node restarts are frozen"},
	}}
	o, ctrl := newTestOrganizer(t, testConfig(1), WithAdmitter(admitter))
	a := newScripted(resourcelock.New("node/node1"))

	exec := o.Submit(t.Context(), a)
	if exec.State() != StateRejected {
		t.Fatalf("State() = %s, want %s", exec.State(), StateRejected)
	}
	if got := exec.RejectReasons(); len(got) != 1 || got[0] != "node restarts are frozen" {
		t.Errorf("RejectReasons() = %v", got)
	}
	if calls, _, _, _, _ := a.counts(); calls != 0 {
		t.Errorf("ConcreteAction calls = %d, want 0", calls)
	}
	if ctrl.TotalCalls() != 0 {
		t.Errorf("controller calls = %d, want 0", ctrl.TotalCalls())
	}

	admitter.mu.Lock()
	defer admitter.mu.Unlock()
	if len(admitter.requests) != 1 || admitter.requests[0].Node == nil {
		t.Fatalf("admission requests = %+v, want one node request", admitter.requests)
	}
	if admitter.requests[0].Node.Hostname != "node1" {
		t.Errorf("request hostname = %q", admitter.requests[0].Node.Hostname)
	}
}

func TestOrganizer_AdmissionErrorRejects(t *testing.T) {
	admitter := &mockAdmitter{err: errors.New("policy engine down")}
	o, _ := newTestOrganizer(t, testConfig(1), WithAdmitter(admitter))

	exec := o.Submit(t.Context(), newScripted(resourcelock.New("node/node1")))
	if exec.State() != StateRejected {
		t.Errorf("State() = %s, want %s", exec.State(), StateRejected)
	}
}

func TestOrganizer_RecorderSeesEveryTransition(t *testing.T) {
	rec := &mockRecorder{}
	o, _ := newTestOrganizer(t, testConfig(1), WithRecorder(rec))

	ok := o.Submit(t.Context(), newScripted(resourcelock.New("node/a")))
	failed := o.Submit(t.Context(), newScripted(resourcelock.New("node/b"), attempt{ok: false}))
	o.Wait()

	assertStates(t, rec.states(ok.ID), []State{StateRunning, StateSuccFinished})
	assertStates(t, rec.states(failed.ID), []State{StateRunning, StateCompensating, StateAborted})
}

func assertStates(t *testing.T, got, want []State) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestOrganizer_FinallyAndUnlockOnEveryPath(t *testing.T) {
	tests := []struct {
		name   string
		script []attempt
		want   State
	}{
		{"success", nil, StateSuccFinished},
		{"exhausted", []attempt{{ok: false}, {ok: false}}, StateAborted},
		{"fault", []attempt{{err: errors.New("boom")}}, StateAborted},
		{"panic", []attempt{{panic: true}}, StateAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrganizer(t, testConfig(2))
			target := resourcelock.New("node/node1")
			a := newScripted(target, tt.script...)

			exec := o.Submit(t.Context(), a)
			if state := waitState(t, exec); state != tt.want {
				t.Fatalf("state = %s, want %s", state, tt.want)
			}
			if _, _, _, _, finally := a.counts(); finally != 1 {
				t.Errorf("FinallyDo calls = %d, want 1", finally)
			}
			if target.Locked() || target.ActiveCount() != 0 {
				t.Errorf("target locked=%v active=%d after terminal state", target.Locked(), target.ActiveCount())
			}
		})
	}
}

func TestOrganizer_SubmitIgnoresCancellation(t *testing.T) {
	o, _ := newTestOrganizer(t, Config{MaxTries: 3, RetryInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(t.Context())

	a := newScripted(resourcelock.New("node/node1"), attempt{ok: false}, attempt{ok: false}, attempt{ok: true})
	exec := o.Submit(ctx, a)
	cancel()

	if state := waitState(t, exec); state != StateSuccFinished {
		t.Errorf("state = %s, want %s", state, StateSuccFinished)
	}
}

func TestOrganizer_ExecutionsAndPrune(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(1))

	first := o.Submit(t.Context(), newScripted(resourcelock.New("node/a")))
	rejected := newScripted(resourcelock.New("node/b"))
	rejected.check = false
	second := o.Submit(t.Context(), rejected)
	o.Wait()

	execs := o.Executions()
	if len(execs) != 2 || execs[0].ID != first.ID || execs[1].ID != second.ID {
		t.Fatalf("Executions() not in submission order")
	}
	if got, ok := o.Execution(first.ID); !ok || got != first {
		t.Error("Execution() did not find the first execution")
	}

	summary := o.Summary()
	if summary[StateSuccFinished] != 1 || summary[StateRejected] != 1 {
		t.Errorf("Summary() = %v", summary)
	}

	if dropped := o.Prune(); dropped != 2 {
		t.Errorf("Prune() = %d, want 2", dropped)
	}
	if len(o.Executions()) != 0 {
		t.Error("executions left after Prune()")
	}
}

func TestExecution_Snapshot(t *testing.T) {
	o, _ := newTestOrganizer(t, testConfig(1))
	exec := o.Submit(t.Context(), newScripted(resourcelock.New("node/node1"), attempt{err: errors.New("boom")}))
	waitState(t, exec)

	snap := exec.Snapshot()
	if snap.State != StateAborted {
		t.Errorf("State = %s", snap.State)
	}
	if snap.ObjectType != string(model.ElementTypeNode) || snap.ObjectID != "node1" {
		t.Errorf("object = %s/%s", snap.ObjectType, snap.ObjectID)
	}
	if snap.Error != "boom" {
		t.Errorf("Error = %q, want boom", snap.Error)
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt must be set after the worker ran")
	}
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateInitial, false},
		{StateRunning, false},
		{StateCompensating, false},
		{StateRejected, true},
		{StateSuccFinished, true},
		{StateAborted, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
	if err := State("paused").Validate(); err == nil {
		t.Error("Validate() accepted unknown state")
	}
}
