// Package simulated provides an in-memory cloud controller for dry runs
// and tests. It keeps instances and processes in maps and can be told to
// fail a number of calls or to fault on an operation.
package simulated

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
)

type instance struct {
	id       string
	hostname string
	ip       string
	image    string
	flavor   string
}

// Controller is an in-memory cloud.Controller.
type Controller struct {
	mu        sync.Mutex
	instances map[string]*instance
	processes map[string]string
	images    map[string]bool
	failures  map[string]int
	faults    map[string]error
	calls     map[string]int
	seq       int
	delay     time.Duration
}

var _ cloud.Controller = (*Controller)(nil)

// Option configures a simulated Controller.
type Option func(*Controller)

// WithDelay makes every call sleep for d, honouring ctx.
func WithDelay(d time.Duration) Option {
	return func(c *Controller) { c.delay = d }
}

// New creates an empty simulated cloud.
func New(opts ...Option) *Controller {
	c := &Controller{
		instances: make(map[string]*instance),
		processes: make(map[string]string),
		images:    make(map[string]bool),
		failures:  make(map[string]int),
		faults:    make(map[string]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FailNext makes the next n calls of op report a failed attempt.
func (c *Controller) FailNext(op string, n int) {
	c.mu.Lock()
	c.failures[op] = n
	c.mu.Unlock()
}

// FaultOn makes every call of op return err until cleared with a nil err.
func (c *Controller) FaultOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.faults, op)
		return
	}
	c.faults[op] = err
}

// Calls returns how often op was invoked.
func (c *Controller) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (c *Controller) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// Running reports whether an instance with the hostname exists.
func (c *Controller) Running(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[hostname]
	return ok
}

// ProcessRunning reports whether pid is alive.
func (c *Controller) ProcessRunning(pid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processes[pid]
	return ok
}

// enter records the call and applies injected failures. It returns
// proceed=false when the call must report a failed attempt.
func (c *Controller) enter(ctx context.Context, op string) (bool, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	if err, ok := c.faults[op]; ok {
		return false, err
	}
	if c.failures[op] > 0 {
		c.failures[op]--
		return false, nil
	}
	return true, nil
}

// boot must be called with mu held.
func (c *Controller) boot(hostname, image, flavor string) *instance {
	c.seq++
	inst := &instance{
		id:       fmt.Sprintf("sim-%d", c.seq),
		hostname: hostname,
		ip:       fmt.Sprintf("10.0.%d.%d", c.seq/250, c.seq%250+2),
		image:    image,
		flavor:   flavor,
	}
	c.instances[hostname] = inst
	return inst
}

// StartNode implements cloud.Controller.
func (c *Controller) StartNode(ctx context.Context, group *model.NodeGroup, node *model.Node) (string, error) {
	proceed, err := c.enter(ctx, cloud.OpStartNode)
	if !proceed {
		return "", err
	}

	c.mu.Lock()
	inst := c.boot(node.Hostname(), node.Image(), node.Flavor())
	c.mu.Unlock()

	node.SetInstanceID(inst.id)
	return inst.ip, nil
}

// TerminateNode implements cloud.Controller.
func (c *Controller) TerminateNode(ctx context.Context, node *model.Node) (bool, error) {
	proceed, err := c.enter(ctx, cloud.OpTerminateNode)
	if !proceed {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, node.Hostname())
	for pid, host := range c.processes {
		if host == node.Hostname() {
			delete(c.processes, pid)
		}
	}
	return true, nil
}

// RestartNode implements cloud.Controller.
func (c *Controller) RestartNode(ctx context.Context, node *model.Node) (bool, error) {
	proceed, err := c.enter(ctx, cloud.OpRestartNode)
	if !proceed {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[node.Hostname()]
	return ok, nil
}

// ReplicateNode implements cloud.Controller.
func (c *Controller) ReplicateNode(ctx context.Context, group *model.NodeGroup, original *model.Node) (*model.Node, error) {
	proceed, err := c.enter(ctx, cloud.OpReplicateNode)
	if !proceed {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.instances[original.Hostname()]
	if !ok {
		return nil, nil
	}

	image := src.hostname + "Image"
	c.images[image] = true

	spec := model.NodeSpec{
		Hostname: group.NextHostname(original.Hostname()),
		Image:    image,
		Flavor:   src.flavor,
	}
	inst := c.boot(spec.Hostname, spec.Image, spec.Flavor)

	replica := model.NewNode(spec)
	replica.SetIPAddress(inst.ip)
	replica.SetInstanceID(inst.id)
	return replica, nil
}

// StartApplication implements cloud.Controller.
func (c *Controller) StartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (string, error) {
	proceed, err := c.enter(ctx, cloud.OpStartApplication)
	if !proceed {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startProcess(app), nil
}

// startProcess must be called with mu held.
func (c *Controller) startProcess(app *model.Application) string {
	parent := app.Parent()
	if parent == nil {
		return ""
	}
	if _, ok := c.instances[parent.Hostname()]; !ok {
		return ""
	}
	c.seq++
	pid := strconv.Itoa(1000 + c.seq)
	c.processes[pid] = parent.Hostname()
	return pid
}

// TerminateApplication implements cloud.Controller.
func (c *Controller) TerminateApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error) {
	proceed, err := c.enter(ctx, cloud.OpTerminateApplication)
	if !proceed {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.processes, app.PID())
	return true, nil
}

// MigrateApplication implements cloud.Controller.
func (c *Controller) MigrateApplication(ctx context.Context, app *model.Application, target *model.Node, group *model.ScalingGroup) (bool, error) {
	proceed, err := c.enter(ctx, cloud.OpMigrateApplication)
	if !proceed {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[target.Hostname()]; !ok {
		return false, nil
	}

	delete(c.processes, app.PID())
	group.RemoveApplication(app)

	app.SetParent(target)
	pid := c.startProcess(app)
	app.SetPID(pid)
	if pid == "" {
		return false, nil
	}
	group.AddApplication(app)
	return true, nil
}

// RestartApplication implements cloud.Controller.
func (c *Controller) RestartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error) {
	proceed, err := c.enter(ctx, cloud.OpRestartApplication)
	if !proceed {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.processes, app.PID())
	pid := c.startProcess(app)
	app.SetPID(pid)
	return pid != "", nil
}

// RetrieveRunningNodeCount implements cloud.Controller.
func (c *Controller) RetrieveRunningNodeCount(ctx context.Context) (int, error) {
	proceed, err := c.enter(ctx, cloud.OpRetrieveRunningNodeCount)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !proceed {
		return 0, nil
	}
	return len(c.instances), nil
}
