package model

import (
	"fmt"
	"sync"
)

// Application is a process started from a scaling group's application
// folder on a node.
type Application struct {
	element

	name             string
	scalingGroupName string

	mu        sync.RWMutex
	arguments []string
	pid       string
	parent    *Node
}

// NewApplication creates an application belonging to a scaling group.
func NewApplication(name, scalingGroupName string, arguments ...string) *Application {
	return &Application{
		element:          newElement("application/" + scalingGroupName + "/" + name),
		name:             name,
		scalingGroupName: scalingGroupName,
		arguments:        append([]string(nil), arguments...),
	}
}

// Name returns the application name.
func (a *Application) Name() string { return a.name }

// ScalingGroupName returns the scaling group the application is a member of.
func (a *Application) ScalingGroupName() string { return a.scalingGroupName }

// ElementID implements Element.
func (a *Application) ElementID() string {
	return fmt.Sprintf("%s/%s", a.scalingGroupName, a.name)
}

// ElementType implements Element.
func (a *Application) ElementType() ElementType { return ElementTypeApplication }

// Arguments returns the start script arguments.
func (a *Application) Arguments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.arguments...)
}

// PID returns the process id of the running application, empty if it
// is not running.
func (a *Application) PID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pid
}

// SetPID records the process id.
func (a *Application) SetPID(pid string) {
	a.mu.Lock()
	a.pid = pid
	a.mu.Unlock()
}

// Parent returns the node hosting the application.
func (a *Application) Parent() *Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.parent
}

// SetParent moves the application reference to another node without
// touching either node's application list.
func (a *Application) SetParent(n *Node) {
	a.mu.Lock()
	a.parent = n
	a.mu.Unlock()
}

// Copy returns a not yet started application with the same name, scaling
// group and arguments.
func (a *Application) Copy() *Application {
	return NewApplication(a.name, a.scalingGroupName, a.Arguments()...)
}
