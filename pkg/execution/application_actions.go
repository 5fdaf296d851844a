package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/resourcelock"
)

// scalingGroupOf resolves the scaling group of app. A missing group is a
// hard fault.
func scalingGroupOf(repo repository.ScalingGroupRepository, app *model.Application) (*model.ScalingGroup, error) {
	sg, ok := repo.ScalingGroup(app.ScalingGroupName())
	if !ok {
		return nil, fmt.Errorf("%w: %s (application %s)", ErrUnknownScalingGroup, app.ScalingGroupName(), app.Name())
	}
	return sg, nil
}

// nodeTarget returns the target of n, or nil for a nil node.
func nodeTarget(n *model.Node) *resourcelock.Target {
	if n == nil {
		return nil
	}
	return n.SyncTarget()
}

// ApplicationStart starts an application on a node and adds it to the
// load balancer of its scaling group.
type ApplicationStart struct {
	Base
	app  *model.Application
	node *model.Node

	mu sync.Mutex
	sg *model.ScalingGroup
}

// NewApplicationStart creates an ApplicationStart of app on node.
func NewApplicationStart(app *model.Application, node *model.Node) *ApplicationStart {
	return &ApplicationStart{app: app, node: node}
}

// Kind returns KindApplicationStart.
func (s *ApplicationStart) Kind() Kind { return KindApplicationStart }

// Description names the application and the node.
func (s *ApplicationStart) Description() string {
	return fmt.Sprintf("start application %s on node %s", s.app.ElementID(), s.node.Hostname())
}

// ActionObject returns the application.
func (s *ApplicationStart) ActionObject() model.Element { return s.app }

// SynchronizeOn returns the application.
func (s *ApplicationStart) SynchronizeOn() *resourcelock.Target { return s.app.SyncTarget() }

// SharedOn holds the node in shared mode so it is not restarted or terminated underneath.
func (s *ApplicationStart) SharedOn() []*resourcelock.Target {
	return []*resourcelock.Target{nodeTarget(s.node)}
}

// CheckBeforeAction requires an up node and an application that is not running.
func (s *ApplicationStart) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return s.node != nil && s.node.IPAddress() != "" && s.app.PID() == ""
}

// BeforeAction marks the application as starting and attaches it to the node.
func (s *ApplicationStart) BeforeAction(ctx context.Context) {
	s.app.SetExecutionState(model.ExecutionStateStarting)
	s.app.SetParent(s.node)
}

// ConcreteAction runs the start script once and stores the pid.
func (s *ApplicationStart) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	sg, err := scalingGroupOf(repo, s.app)
	if err != nil {
		return false, err
	}
	pid, err := controller.StartApplication(ctx, s.app, sg)
	if err != nil {
		return false, err
	}
	if pid == "" {
		return false, nil
	}
	s.app.SetPID(pid)

	s.mu.Lock()
	s.sg = sg
	s.mu.Unlock()
	return true, nil
}

// AfterAction adds the application to its node and its load balancer.
func (s *ApplicationStart) AfterAction(ctx context.Context) {
	s.node.AddApplication(s.app)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sg != nil {
		s.sg.AddApplication(s.app)
	}
}

// Compensate stops a process that was started but not confirmed.
func (s *ApplicationStart) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	if s.app.PID() == "" {
		return nil
	}
	sg, err := scalingGroupOf(repo, s.app)
	if err != nil {
		return err
	}
	sg.RemoveApplication(s.app)
	ok, err := controller.TerminateApplication(ctx, s.app, sg)
	if err != nil {
		return fmt.Errorf("failed to terminate application %s: %w", s.app.ElementID(), err)
	}
	if !ok {
		return fmt.Errorf("application %s still running after compensation", s.app.ElementID())
	}
	s.app.SetPID("")
	return nil
}

// CompensateAction terminates the started application.
func (s *ApplicationStart) CompensateAction() Action { return NewApplicationTerminate(s.app) }

// ApplicationTerminate stops an application after taking it out of the
// load balancer.
type ApplicationTerminate struct {
	Base
	app    *model.Application
	parent *model.Node
}

// NewApplicationTerminate creates an ApplicationTerminate. The parent node
// is captured now so the compensating start knows where to go.
func NewApplicationTerminate(app *model.Application) *ApplicationTerminate {
	return &ApplicationTerminate{app: app, parent: app.Parent()}
}

// Kind returns KindApplicationTerminate.
func (t *ApplicationTerminate) Kind() Kind { return KindApplicationTerminate }

// Description names the application.
func (t *ApplicationTerminate) Description() string {
	return fmt.Sprintf("terminate application %s", t.app.ElementID())
}

// ActionObject returns the application.
func (t *ApplicationTerminate) ActionObject() model.Element { return t.app }

// SynchronizeOn returns the application.
func (t *ApplicationTerminate) SynchronizeOn() *resourcelock.Target { return t.app.SyncTarget() }

// SharedOn holds the parent node in shared mode.
func (t *ApplicationTerminate) SharedOn() []*resourcelock.Target {
	return []*resourcelock.Target{nodeTarget(t.parent)}
}

// CheckBeforeAction requires a running application with a known node.
func (t *ApplicationTerminate) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return t.parent != nil && t.app.PID() != ""
}

// BeforeAction marks the application as terminating.
func (t *ApplicationTerminate) BeforeAction(ctx context.Context) {
	t.app.SetExecutionState(model.ExecutionStateTerminating)
}

// ConcreteAction takes the application out of the load balancer and kills it.
func (t *ApplicationTerminate) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	sg, err := scalingGroupOf(repo, t.app)
	if err != nil {
		return false, err
	}
	sg.RemoveApplication(t.app)
	return controller.TerminateApplication(ctx, t.app, sg)
}

// AfterAction detaches the application from its node.
func (t *ApplicationTerminate) AfterAction(ctx context.Context) {
	t.parent.RemoveApplication(t.app)
	t.app.SetPID("")
}

// Compensate puts the still running application back into the load
// balancer.
func (t *ApplicationTerminate) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	sg, err := scalingGroupOf(repo, t.app)
	if err != nil {
		return err
	}
	sg.AddApplication(t.app)
	return nil
}

// CompensateAction starts the application again on its old node.
func (t *ApplicationTerminate) CompensateAction() Action {
	if t.parent == nil {
		return nil
	}
	return NewApplicationStart(t.app, t.parent)
}

// ApplicationMigrate moves a running application to another node.
type ApplicationMigrate struct {
	Base
	app    *model.Application
	source *model.Node
	target *model.Node
}

// NewApplicationMigrate creates an ApplicationMigrate of app to target.
func NewApplicationMigrate(app *model.Application, target *model.Node) *ApplicationMigrate {
	return &ApplicationMigrate{app: app, source: app.Parent(), target: target}
}

// Kind returns KindApplicationMigrate.
func (m *ApplicationMigrate) Kind() Kind { return KindApplicationMigrate }

// Description names the application and both nodes.
func (m *ApplicationMigrate) Description() string {
	var from string
	if m.source != nil {
		from = m.source.Hostname()
	}
	return fmt.Sprintf("migrate application %s from %s to %s", m.app.ElementID(), from, m.target.Hostname())
}

// ActionObject returns the application.
func (m *ApplicationMigrate) ActionObject() model.Element { return m.app }

// SynchronizeOn returns the application.
func (m *ApplicationMigrate) SynchronizeOn() *resourcelock.Target { return m.app.SyncTarget() }

// SharedOn holds the source and the target node in shared mode.
func (m *ApplicationMigrate) SharedOn() []*resourcelock.Target {
	return []*resourcelock.Target{nodeTarget(m.source), nodeTarget(m.target)}
}

// CheckBeforeAction requires a running application and an up target other than the source.
func (m *ApplicationMigrate) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	if m.source == nil || m.target == nil || m.source == m.target {
		return false
	}
	return m.target.IPAddress() != "" && m.app.PID() != ""
}

// BeforeAction marks the application as migrating.
func (m *ApplicationMigrate) BeforeAction(ctx context.Context) {
	m.app.SetExecutionState(model.ExecutionStateMigrating)
}

// ConcreteAction moves the application to the target once.
func (m *ApplicationMigrate) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	sg, err := scalingGroupOf(repo, m.app)
	if err != nil {
		return false, err
	}
	return controller.MigrateApplication(ctx, m.app, m.target, sg)
}

// AfterAction moves the application between the node member lists.
func (m *ApplicationMigrate) AfterAction(ctx context.Context) {
	m.source.RemoveApplication(m.app)
	m.target.AddApplication(m.app)
}

// Compensate migrates the application back if it already moved and
// otherwise puts it back into the load balancer.
func (m *ApplicationMigrate) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	sg, err := scalingGroupOf(repo, m.app)
	if err != nil {
		return err
	}
	if m.app.Parent() != m.target {
		sg.AddApplication(m.app)
		return nil
	}
	ok, err := controller.MigrateApplication(ctx, m.app, m.source, sg)
	if err != nil {
		return fmt.Errorf("failed to migrate application %s back to %s: %w", m.app.ElementID(), m.source.Hostname(), err)
	}
	if !ok {
		return fmt.Errorf("application %s could not be migrated back to %s", m.app.ElementID(), m.source.Hostname())
	}
	return nil
}

// CompensateAction migrates the application back to the source.
func (m *ApplicationMigrate) CompensateAction() Action {
	if m.source == nil {
		return nil
	}
	return &ApplicationMigrate{app: m.app, source: m.target, target: m.source}
}

// ApplicationRestart stops and starts an application on its node.
type ApplicationRestart struct {
	Base
	app    *model.Application
	parent *model.Node
}

// NewApplicationRestart creates an ApplicationRestart.
func NewApplicationRestart(app *model.Application) *ApplicationRestart {
	return &ApplicationRestart{app: app, parent: app.Parent()}
}

// Kind returns KindApplicationRestart.
func (r *ApplicationRestart) Kind() Kind { return KindApplicationRestart }

// Description names the application.
func (r *ApplicationRestart) Description() string {
	return fmt.Sprintf("restart application %s", r.app.ElementID())
}

// ActionObject returns the application.
func (r *ApplicationRestart) ActionObject() model.Element { return r.app }

// SynchronizeOn returns the application.
func (r *ApplicationRestart) SynchronizeOn() *resourcelock.Target { return r.app.SyncTarget() }

// SharedOn holds the parent node in shared mode.
func (r *ApplicationRestart) SharedOn() []*resourcelock.Target {
	return []*resourcelock.Target{nodeTarget(r.parent)}
}

// CheckBeforeAction requires the parent node to be up.
func (r *ApplicationRestart) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return r.parent != nil && r.parent.IPAddress() != ""
}

// BeforeAction marks the application as restarting.
func (r *ApplicationRestart) BeforeAction(ctx context.Context) {
	r.app.SetExecutionState(model.ExecutionStateRestarting)
}

// ConcreteAction restarts the application once.
func (r *ApplicationRestart) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	sg, err := scalingGroupOf(repo, r.app)
	if err != nil {
		return false, err
	}
	return controller.RestartApplication(ctx, r.app, sg)
}

// Compensate starts the application again and puts it back into the load
// balancer.
func (r *ApplicationRestart) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	sg, err := scalingGroupOf(repo, r.app)
	if err != nil {
		return err
	}
	pid, err := controller.StartApplication(ctx, r.app, sg)
	if err != nil {
		return fmt.Errorf("failed to start application %s: %w", r.app.ElementID(), err)
	}
	if pid == "" {
		return fmt.Errorf("application %s did not start after compensation", r.app.ElementID())
	}
	r.app.SetPID(pid)
	sg.AddApplication(r.app)
	return nil
}
