package execution

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
	"github.com/openfroyo/capman/pkg/resourcelock"
)

// NodeStart boots a node inside a node group and starts the applications
// configured for it.
type NodeStart struct {
	Base
	group *model.NodeGroup
	node  *model.Node
	apps  []*model.Application

	mu       sync.Mutex
	started  []*model.Application
	sgByName map[string]*model.ScalingGroup
}

// NewNodeStart creates a NodeStart. apps are started on the node once it
// is up.
func NewNodeStart(group *model.NodeGroup, node *model.Node, apps ...*model.Application) *NodeStart {
	return &NodeStart{
		group:    group,
		node:     node,
		apps:     apps,
		sgByName: make(map[string]*model.ScalingGroup),
	}
}

// Kind returns KindNodeStart.
func (s *NodeStart) Kind() Kind { return KindNodeStart }

// Description names the node and its group.
func (s *NodeStart) Description() string {
	return fmt.Sprintf("start node %s in group %s", s.node.Hostname(), s.group.Name())
}

// ActionObject returns the node being booted.
func (s *NodeStart) ActionObject() model.Element { return s.node }

// SynchronizeOn implements Action.
func (s *NodeStart) SynchronizeOn() *resourcelock.Target { return s.group.SyncTarget() }

// ExclusiveOn holds the node itself so no application action runs on it
// while it boots. Its IP is published before the applications start.
func (s *NodeStart) ExclusiveOn() []*resourcelock.Target {
	return []*resourcelock.Target{s.node.SyncTarget()}
}

// CheckBeforeAction requires a complete boot template and a node that is not up yet.
func (s *NodeStart) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	spec := s.node.Spec()
	return spec.Hostname != "" && spec.Image != "" && spec.Flavor != "" && s.node.IPAddress() == ""
}

// BeforeAction marks the node as starting.
func (s *NodeStart) BeforeAction(ctx context.Context) {
	s.node.SetExecutionState(model.ExecutionStateStarting)
}

// ConcreteAction boots the node once and then starts every application
// not yet running. A retry after a partial success only repeats the
// missing steps.
func (s *NodeStart) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	if s.node.IPAddress() == "" {
		ip, err := controller.StartNode(ctx, s.group, s.node)
		if err != nil {
			return false, err
		}
		if ip == "" {
			return false, nil
		}
		s.node.SetIPAddress(ip)
	}

	var pending []*model.Application
	for _, app := range s.apps {
		if app.PID() == "" {
			pending = append(pending, app)
		}
	}
	if len(pending) == 0 {
		return true, nil
	}

	var failed bool
	var failedMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, app := range pending {
		g.Go(func() error {
			sg, ok := repo.ScalingGroup(app.ScalingGroupName())
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownScalingGroup, app.ScalingGroupName())
			}
			app.SetParent(s.node)
			pid, err := controller.StartApplication(gctx, app, sg)
			if err != nil {
				return err
			}
			if pid == "" {
				failedMu.Lock()
				failed = true
				failedMu.Unlock()
				return nil
			}
			app.SetPID(pid)

			s.mu.Lock()
			s.started = append(s.started, app)
			s.sgByName[sg.Name()] = sg
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !failed, nil
}

// AfterAction adds the node to its group and the started applications to their node and scaling group.
func (s *NodeStart) AfterAction(ctx context.Context) {
	s.group.AddNode(s.node)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.started {
		s.node.AddApplication(app)
		if sg := s.sgByName[app.ScalingGroupName()]; sg != nil {
			sg.AddApplication(app)
		}
	}
}

// Compensate terminates the node if it was booted.
func (s *NodeStart) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	if s.node.IPAddress() == "" {
		return nil
	}
	ok, err := controller.TerminateNode(ctx, s.node)
	if err != nil {
		return fmt.Errorf("failed to terminate node %s: %w", s.node.Hostname(), err)
	}
	if !ok {
		return fmt.Errorf("node %s still running after compensation", s.node.Hostname())
	}
	s.node.SetIPAddress("")
	for _, app := range s.apps {
		app.SetPID("")
	}
	return nil
}

// CompensateAction terminates the started node.
func (s *NodeStart) CompensateAction() Action { return NewNodeTerminate(s.node) }

// Node returns the node being started.
func (s *NodeStart) Node() *model.Node { return s.node }

// NodeReplicate boots a copy of an existing node in the same group.
type NodeReplicate struct {
	Base
	group    *model.NodeGroup
	original *model.Node

	mu      sync.Mutex
	replica *model.Node
}

// NewNodeReplicate creates a NodeReplicate of original.
func NewNodeReplicate(group *model.NodeGroup, original *model.Node) *NodeReplicate {
	return &NodeReplicate{group: group, original: original}
}

// Kind returns KindNodeReplicate.
func (r *NodeReplicate) Kind() Kind { return KindNodeReplicate }

// Description names the original node and its group.
func (r *NodeReplicate) Description() string {
	return fmt.Sprintf("replicate node %s in group %s", r.original.Hostname(), r.group.Name())
}

// ActionObject returns the original node.
func (r *NodeReplicate) ActionObject() model.Element { return r.original }

// SynchronizeOn returns the group the replica joins.
func (r *NodeReplicate) SynchronizeOn() *resourcelock.Target { return r.group.SyncTarget() }

// ExclusiveOn holds the original so no application action changes it
// while it is imaged.
func (r *NodeReplicate) ExclusiveOn() []*resourcelock.Target {
	return []*resourcelock.Target{r.original.SyncTarget()}
}

// CheckBeforeAction requires the original to be up.
func (r *NodeReplicate) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return r.original.IPAddress() != ""
}

// BeforeAction marks the original as replicating.
func (r *NodeReplicate) BeforeAction(ctx context.Context) {
	r.original.SetExecutionState(model.ExecutionStateReplicating)
}

// ConcreteAction boots one replica of the original.
func (r *NodeReplicate) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	replica, err := controller.ReplicateNode(ctx, r.group, r.original)
	if err != nil {
		return false, err
	}
	if replica == nil {
		return false, nil
	}
	r.mu.Lock()
	r.replica = replica
	r.mu.Unlock()
	return true, nil
}

// AfterAction adds the replica to the group.
func (r *NodeReplicate) AfterAction(ctx context.Context) {
	if replica := r.Replica(); replica != nil {
		r.group.AddNode(replica)
	}
}

// Compensate terminates a replica that was booted.
func (r *NodeReplicate) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	replica := r.Replica()
	if replica == nil {
		return nil
	}
	ok, err := controller.TerminateNode(ctx, replica)
	if err != nil {
		return fmt.Errorf("failed to terminate replica %s: %w", replica.Hostname(), err)
	}
	if !ok {
		return fmt.Errorf("replica %s still running after compensation", replica.Hostname())
	}
	return nil
}

// CompensateAction terminates the replica, nil if none was booted.
func (r *NodeReplicate) CompensateAction() Action {
	replica := r.Replica()
	if replica == nil {
		return nil
	}
	return NewNodeTerminate(replica)
}

// Replica returns the booted copy, nil until the action succeeded.
func (r *NodeReplicate) Replica() *model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replica
}

// NodeRestart reboots a node.
type NodeRestart struct {
	Base
	node *model.Node
}

// NewNodeRestart creates a NodeRestart.
func NewNodeRestart(node *model.Node) *NodeRestart {
	return &NodeRestart{node: node}
}

// Kind returns KindNodeRestart.
func (r *NodeRestart) Kind() Kind { return KindNodeRestart }

// Description names the node.
func (r *NodeRestart) Description() string {
	return fmt.Sprintf("restart node %s", r.node.Hostname())
}

// ActionObject returns the node.
func (r *NodeRestart) ActionObject() model.Element { return r.node }

// SynchronizeOn returns the node, keeping application actions off it.
func (r *NodeRestart) SynchronizeOn() *resourcelock.Target { return r.node.SyncTarget() }

// CheckBeforeAction requires the node to be up.
func (r *NodeRestart) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	return r.node.IPAddress() != ""
}

// BeforeAction marks the node as restarting.
func (r *NodeRestart) BeforeAction(ctx context.Context) {
	r.node.SetExecutionState(model.ExecutionStateRestarting)
}

// ConcreteAction reboots the node once.
func (r *NodeRestart) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	return controller.RestartNode(ctx, r.node)
}

// Compensate replaces the node that did not come back: the old instance
// is deleted best-effort and a new one is booted from the same spec.
// A node outside any group cannot be replaced and is left untouched.
func (r *NodeRestart) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	group := r.node.Group()
	if group == nil {
		return fmt.Errorf("%w: node %s belongs to no node group", ErrNoNodeGroup, r.node.Hostname())
	}
	_, _ = controller.TerminateNode(ctx, r.node)

	ip, err := controller.StartNode(ctx, group, r.node)
	if err != nil {
		return fmt.Errorf("failed to boot replacement for node %s: %w", r.node.Hostname(), err)
	}
	if ip == "" {
		return fmt.Errorf("replacement for node %s did not boot", r.node.Hostname())
	}
	r.node.SetIPAddress(ip)
	for _, app := range r.node.Applications() {
		app.SetPID("")
	}
	return nil
}

// NodeTerminate deletes a node. It refuses to delete the last running node.
type NodeTerminate struct {
	Base
	node  *model.Node
	group *model.NodeGroup
}

// NewNodeTerminate creates a NodeTerminate.
func NewNodeTerminate(node *model.Node) *NodeTerminate {
	return &NodeTerminate{node: node, group: node.Group()}
}

// Kind returns KindNodeTerminate.
func (t *NodeTerminate) Kind() Kind { return KindNodeTerminate }

// Description names the node.
func (t *NodeTerminate) Description() string {
	return fmt.Sprintf("terminate node %s", t.node.Hostname())
}

// ActionObject returns the node.
func (t *NodeTerminate) ActionObject() model.Element { return t.node }

// SynchronizeOn returns the node, keeping application actions off it.
func (t *NodeTerminate) SynchronizeOn() *resourcelock.Target { return t.node.SyncTarget() }

// CheckBeforeAction requires the node to be up and not the last running one.
func (t *NodeTerminate) CheckBeforeAction(ctx context.Context, controller cloud.Controller) bool {
	if t.node.IPAddress() == "" {
		return false
	}
	count, err := controller.RetrieveRunningNodeCount(ctx)
	if err != nil {
		return false
	}
	return count > 1
}

// BeforeAction marks the node as terminating.
func (t *NodeTerminate) BeforeAction(ctx context.Context) {
	t.node.SetExecutionState(model.ExecutionStateTerminating)
}

// ConcreteAction takes the hosted applications out of their load balancers
// and deletes the instance.
func (t *NodeTerminate) ConcreteAction(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) (bool, error) {
	for _, app := range t.node.Applications() {
		if sg, ok := repo.ScalingGroup(app.ScalingGroupName()); ok {
			sg.RemoveApplication(app)
		}
	}
	return controller.TerminateNode(ctx, t.node)
}

// AfterAction removes the node from its group and clears its address.
func (t *NodeTerminate) AfterAction(ctx context.Context) {
	if t.group != nil {
		t.group.RemoveNode(t.node)
	}
	t.node.SetIPAddress("")
	for _, app := range t.node.Applications() {
		app.SetPID("")
	}
}

// Compensate reboots the node and puts its applications back into their
// load balancers.
func (t *NodeTerminate) Compensate(ctx context.Context, controller cloud.Controller, repo repository.ScalingGroupRepository) error {
	ok, err := controller.RestartNode(ctx, t.node)
	if err != nil {
		return fmt.Errorf("failed to restart node %s: %w", t.node.Hostname(), err)
	}
	if !ok {
		return fmt.Errorf("node %s did not come back after compensation", t.node.Hostname())
	}
	for _, app := range t.node.Applications() {
		if sg, ok := repo.ScalingGroup(app.ScalingGroupName()); ok {
			sg.AddApplication(app)
		}
	}
	return nil
}

// CompensateAction boots a fresh node from the same spec in the same group.
func (t *NodeTerminate) CompensateAction() Action {
	if t.group == nil {
		return nil
	}
	return NewNodeStart(t.group, model.NewNode(t.node.Spec()))
}
