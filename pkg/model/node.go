package model

import (
	"fmt"
	"sync"
)

// NodeGroup is a set of nodes started from the same template.
type NodeGroup struct {
	element

	name string

	mu              sync.RWMutex
	nodes           []*Node
	hostnameCounter int
}

// NewNodeGroup creates an empty node group.
func NewNodeGroup(name string) *NodeGroup {
	return &NodeGroup{
		element: newElement("nodegroup/" + name),
		name:    name,
	}
}

// Name returns the group name.
func (g *NodeGroup) Name() string { return g.name }

// ElementID implements Element.
func (g *NodeGroup) ElementID() string { return g.name }

// ElementType implements Element.
func (g *NodeGroup) ElementType() ElementType { return ElementTypeNodeGroup }

// AddNode adds a node to the group and sets its parent. Adding a node
// already in the group is a no-op.
func (g *NodeGroup) AddNode(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, existing := range g.nodes {
		if existing == n {
			return
		}
	}
	g.nodes = append(g.nodes, n)
	n.setGroup(g)
}

// RemoveNode removes a node from the group. It returns false if the node
// was not a member.
func (g *NodeGroup) RemoveNode(n *Node) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.nodes {
		if existing == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			n.setGroup(nil)
			return true
		}
	}
	return false
}

// Nodes returns a snapshot of the member nodes.
func (g *NodeGroup) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Size returns the number of member nodes.
func (g *NodeGroup) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// NextHostname derives a fresh hostname for a replica of base by appending
// the group's monotonically increasing counter.
func (g *NodeGroup) NextHostname(base string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hostnameCounter++
	return fmt.Sprintf("%s%d", base, g.hostnameCounter)
}

// NodeSpec is the template a node is booted from.
type NodeSpec struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Image    string `json:"image" yaml:"image"`
	Flavor   string `json:"flavor" yaml:"flavor"`
}

// Node is a virtual machine instance hosting applications.
type Node struct {
	element

	mu           sync.RWMutex
	spec         NodeSpec
	ipAddress    string
	instanceID   string
	group        *NodeGroup
	applications []*Application
}

// NewNode creates a node that has not been booted yet.
func NewNode(spec NodeSpec) *Node {
	return &Node{
		element: newElement("node/" + spec.Hostname),
		spec:    spec,
	}
}

// ElementID implements Element.
func (n *Node) ElementID() string { return n.Hostname() }

// ElementType implements Element.
func (n *Node) ElementType() ElementType { return ElementTypeNode }

// Spec returns the boot template of the node.
func (n *Node) Spec() NodeSpec {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.spec
}

// Hostname returns the node hostname.
func (n *Node) Hostname() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.spec.Hostname
}

// Image returns the image the node was booted from.
func (n *Node) Image() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.spec.Image
}

// SetImage records the image of the node.
func (n *Node) SetImage(image string) {
	n.mu.Lock()
	n.spec.Image = image
	n.mu.Unlock()
}

// Flavor returns the instance flavor.
func (n *Node) Flavor() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.spec.Flavor
}

// IPAddress returns the private IP of the node, empty until booted.
func (n *Node) IPAddress() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ipAddress
}

// SetIPAddress records the private IP of the node.
func (n *Node) SetIPAddress(ip string) {
	n.mu.Lock()
	n.ipAddress = ip
	n.mu.Unlock()
}

// InstanceID returns the cloud provider identity of the node.
func (n *Node) InstanceID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.instanceID
}

// SetInstanceID records the cloud provider identity of the node.
func (n *Node) SetInstanceID(id string) {
	n.mu.Lock()
	n.instanceID = id
	n.mu.Unlock()
}

// Group returns the node group the node belongs to, or nil.
func (n *Node) Group() *NodeGroup {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.group
}

func (n *Node) setGroup(g *NodeGroup) {
	n.mu.Lock()
	n.group = g
	n.mu.Unlock()
}

// AddApplication adds an application to the node and makes the node its
// parent.
func (n *Node) AddApplication(app *Application) {
	n.mu.Lock()
	found := false
	for _, existing := range n.applications {
		if existing == app {
			found = true
			break
		}
	}
	if !found {
		n.applications = append(n.applications, app)
	}
	n.mu.Unlock()
	app.SetParent(n)
}

// RemoveApplication removes an application from the node. The parent of
// the application is left unchanged.
func (n *Node) RemoveApplication(app *Application) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, existing := range n.applications {
		if existing == app {
			n.applications = append(n.applications[:i], n.applications[i+1:]...)
			return true
		}
	}
	return false
}

// Applications returns a snapshot of the hosted applications.
func (n *Node) Applications() []*Application {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Application, len(n.applications))
	copy(out, n.applications)
	return out
}

// RunningApplicationActions returns how many application-level actions
// currently hold the node in shared mode.
func (n *Node) RunningApplicationActions() int {
	if n.target.HeldExclusively() {
		return 0
	}
	return n.target.ActiveCount()
}
