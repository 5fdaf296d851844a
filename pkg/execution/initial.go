package execution

import (
	"github.com/openfroyo/capman/pkg/model"
)

// DefaultNodeGroupName is the node group every node of the initial setup
// is started in.
const DefaultNodeGroupName = "DefaultNodeGroupForCapManStart"

// InitialStartActions builds one NodeStart per enabled node of setup. All
// nodes go into a fresh default node group, which is returned as well.
// Scaling group references are resolved at run time through the
// repository, so setup should have been validated before.
func InitialStartActions(setup model.Setup) (*model.NodeGroup, []Action) {
	group := model.NewNodeGroup(DefaultNodeGroupName)

	var actions []Action
	for _, ns := range setup.EnabledNodes() {
		node := model.NewNode(model.NodeSpec{
			Hostname: ns.Hostname,
			Image:    ns.Image,
			Flavor:   ns.Flavor,
		})
		apps := make([]*model.Application, 0, len(ns.Applications))
		for _, as := range ns.Applications {
			apps = append(apps, model.NewApplication(as.Name, as.ScalingGroup, as.Arguments...))
		}
		actions = append(actions, NewNodeStart(group, node, apps...))
	}
	return group, actions
}
