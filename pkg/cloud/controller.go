// Package cloud defines the capability interface the execution engine uses
// to drive node and application lifecycles on a cloud provider.
//
// Implementations live in sub-packages: openstack (nova CLI), ec2
// (AWS EC2 API) and simulated (in-memory). Application-level operations of
// the real providers run over a remote shell provided by package remote.
//
// Every operation distinguishes two failure modes. A definite negative
// result (empty IP, empty pid, false, nil node) with a nil error is a
// failed attempt the engine may retry. A non-nil error is a hard fault
// that ends the retry loop.
package cloud

import (
	"context"

	"github.com/openfroyo/capman/pkg/model"
)

// Controller is the cloud adapter consumed by the execution engine.
type Controller interface {
	// StartNode boots node inside group and returns its private IP, or an
	// empty string if the boot failed.
	StartNode(ctx context.Context, group *model.NodeGroup, node *model.Node) (string, error)

	// TerminateNode deletes the instance behind node.
	TerminateNode(ctx context.Context, node *model.Node) (bool, error)

	// RestartNode reboots the instance behind node.
	RestartNode(ctx context.Context, node *model.Node) (bool, error)

	// ReplicateNode boots a copy of original inside group. It returns nil
	// if the replica could not be started.
	ReplicateNode(ctx context.Context, group *model.NodeGroup, original *model.Node) (*model.Node, error)

	// StartApplication starts app on its parent node and returns the
	// process id, or an empty string if it is not running afterwards.
	StartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (string, error)

	// TerminateApplication stops app.
	TerminateApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error)

	// MigrateApplication moves app to target and restarts it there.
	MigrateApplication(ctx context.Context, app *model.Application, target *model.Node, group *model.ScalingGroup) (bool, error)

	// RestartApplication stops and starts app on its parent node.
	RestartApplication(ctx context.Context, app *model.Application, group *model.ScalingGroup) (bool, error)

	// RetrieveRunningNodeCount returns the number of running instances.
	RetrieveRunningNodeCount(ctx context.Context) (int, error)
}

// Operation names used for metrics, spans and errors.
const (
	OpStartNode                = "start_node"
	OpTerminateNode            = "terminate_node"
	OpRestartNode              = "restart_node"
	OpReplicateNode            = "replicate_node"
	OpStartApplication         = "start_application"
	OpTerminateApplication     = "terminate_application"
	OpMigrateApplication       = "migrate_application"
	OpRestartApplication       = "restart_application"
	OpRetrieveRunningNodeCount = "retrieve_running_node_count"
)
