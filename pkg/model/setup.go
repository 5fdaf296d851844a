package model

// Setup is the initial landscape: the scaling groups and the nodes to boot
// when the engine starts.
type Setup struct {
	ScalingGroups []ScalingPolicy `json:"scaling_groups" yaml:"scaling_groups" validate:"dive"`
	Nodes         []NodeSetup     `json:"nodes" yaml:"nodes" validate:"dive"`
}

// NodeSetup describes one node of the initial setup.
type NodeSetup struct {
	Hostname     string             `json:"hostname" yaml:"hostname" validate:"required,hostname"`
	Image        string             `json:"image" yaml:"image" validate:"required"`
	Flavor       string             `json:"flavor" yaml:"flavor" validate:"required"`
	Enabled      bool               `json:"enabled" yaml:"enabled"`
	Applications []ApplicationSetup `json:"applications,omitempty" yaml:"applications,omitempty" validate:"dive"`
}

// ApplicationSetup describes an application started on a node of the
// initial setup.
type ApplicationSetup struct {
	Name         string   `json:"name" yaml:"name" validate:"required"`
	ScalingGroup string   `json:"scaling_group" yaml:"scaling_group" validate:"required"`
	Arguments    []string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// EnabledNodes returns the nodes marked as enabled, in file order.
func (s Setup) EnabledNodes() []NodeSetup {
	var out []NodeSetup
	for _, n := range s.Nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}
