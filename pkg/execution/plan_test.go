package execution

import (
	"testing"

	"github.com/openfroyo/capman/pkg/cloud"
	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/resourcelock"
)

func planNode(hostname string) *model.Node {
	return model.NewNode(model.NodeSpec{Hostname: hostname, Image: "ubuntu", Flavor: "m1.small"})
}

func TestPlan_AllSucceed(t *testing.T) {
	o, ctrl := newTestOrganizer(t, testConfig(2))
	group := model.NewNodeGroup("web")

	plan := NewPlan(o,
		NewNodeStart(group, planNode("node1")),
		NewNodeStart(group, planNode("node2")),
	)
	if plan.Len() != 2 {
		t.Fatalf("Expected 2 actions, got %d", plan.Len())
	}

	result, err := plan.Run(t.Context())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Failed() {
		t.Errorf("Expected plan to succeed, got %+v", result.Summary)
	}
	if result.Summary.Succeeded != 2 || len(result.Compensations) != 0 {
		t.Errorf("Unexpected result %+v, %d compensations", result.Summary, len(result.Compensations))
	}
	if group.Size() != 2 || !ctrl.Running("node1") || !ctrl.Running("node2") {
		t.Errorf("Expected both nodes running in the group, size %d", group.Size())
	}
}

func TestPlan_FailureCompensatesInReverseOrder(t *testing.T) {
	o, ctrl := newTestOrganizer(t, testConfig(2))
	group := model.NewNodeGroup("web")
	node1, node2 := planNode("node1"), planNode("node2")

	failing := newScripted(resourcelock.New("failing"), attempt{ok: false}, attempt{ok: false})

	plan := NewPlan(o, NewNodeStart(group, node1))
	plan.Add(NewNodeStart(group, node2), failing)

	result, err := plan.Run(t.Context())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Failed() {
		t.Fatal("Expected plan to fail")
	}
	s := result.Summary
	if s.Total != 3 || s.Succeeded != 2 || s.Aborted != 1 {
		t.Errorf("Unexpected summary %+v", s)
	}

	// node2 is terminated first; node1 is then the last running node and
	// its terminate is rejected.
	if len(result.Compensations) != 2 {
		t.Fatalf("Expected 2 compensating actions, got %d", len(result.Compensations))
	}
	first, second := result.Compensations[0], result.Compensations[1]
	if first.Action.ActionObject() != model.Element(node2) || first.State() != StateSuccFinished {
		t.Errorf("Expected node2 to be terminated first, got %s in %s",
			first.Action.ActionObject().ElementID(), first.State())
	}
	if second.Action.ActionObject() != model.Element(node1) || second.State() != StateRejected {
		t.Errorf("Expected node1 terminate to be rejected, got %s in %s",
			second.Action.ActionObject().ElementID(), second.State())
	}
	if s.Compensated != 1 || s.CompensationFailed != 1 {
		t.Errorf("Expected 1 compensated and 1 failed compensation, got %+v", s)
	}
	if ctrl.Running("node2") || !ctrl.Running("node1") {
		t.Error("Expected only node1 to keep running")
	}
}

func TestPlan_RejectedActionTriggersCompensation(t *testing.T) {
	o, ctrl := newTestOrganizer(t, testConfig(1))
	group := model.NewNodeGroup("web")

	incomplete := model.NewNode(model.NodeSpec{Hostname: "node3"})
	result, err := NewPlan(o,
		NewNodeStart(group, planNode("node1")),
		NewNodeStart(group, planNode("node2")),
		NewNodeStart(group, incomplete),
	).Run(t.Context())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Summary.Rejected != 1 || result.Summary.Succeeded != 2 {
		t.Errorf("Unexpected summary %+v", result.Summary)
	}
	if len(result.Compensations) != 2 {
		t.Fatalf("Expected 2 compensating actions, got %d", len(result.Compensations))
	}
	if ctrl.Calls(cloud.OpStartNode) != 2 {
		t.Errorf("Expected the rejected start to make no cloud call, got %d starts", ctrl.Calls(cloud.OpStartNode))
	}
}
