package execution

import (
	"context"

	"github.com/openfroyo/capman/pkg/model"
	"github.com/openfroyo/capman/pkg/repository"
)

// Admitter decides whether an action may be submitted at all. It is
// consulted before CheckBeforeAction.
type Admitter interface {
	Admit(ctx context.Context, req AdmissionRequest) (AdmissionDecision, error)
}

// AdmissionDecision is the outcome of an admission check.
type AdmissionDecision struct {
	Allowed bool
	Reasons []string
}

// AdmissionRequest describes an action to an Admitter.
type AdmissionRequest struct {
	ExecutionID string `json:"execution_id"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	ObjectType  string `json:"object_type"`
	ObjectID    string `json:"object_id"`

	// Node is set when the action object is a node.
	Node *NodeFacts `json:"node,omitempty"`

	// Application is set when the action object is an application.
	Application *ApplicationFacts `json:"application,omitempty"`
}

// NodeFacts describes a node for admission.
type NodeFacts struct {
	Hostname     string `json:"hostname"`
	IPAddress    string `json:"ip_address"`
	Group        string `json:"group"`
	GroupSize    int    `json:"group_size"`
	Applications int    `json:"applications"`
}

// ApplicationFacts describes an application for admission.
type ApplicationFacts struct {
	Name             string `json:"name"`
	ScalingGroup     string `json:"scaling_group"`
	ScalingGroupSize int    `json:"scaling_group_size"`
	Node             string `json:"node"`
	Running          bool   `json:"running"`
}

func newAdmissionRequest(e *Execution, repo repository.ScalingGroupRepository) AdmissionRequest {
	a := e.Action
	req := AdmissionRequest{
		ExecutionID: e.ID,
		Kind:        a.Kind(),
		Description: a.Description(),
	}

	switch obj := a.ActionObject().(type) {
	case *model.Node:
		req.ObjectType = string(obj.ElementType())
		req.ObjectID = obj.ElementID()
		facts := &NodeFacts{
			Hostname:     obj.Hostname(),
			IPAddress:    obj.IPAddress(),
			Applications: len(obj.Applications()),
		}
		if g := obj.Group(); g != nil {
			facts.Group = g.Name()
			facts.GroupSize = g.Size()
		}
		req.Node = facts
	case *model.Application:
		req.ObjectType = string(obj.ElementType())
		req.ObjectID = obj.ElementID()
		facts := &ApplicationFacts{
			Name:         obj.Name(),
			ScalingGroup: obj.ScalingGroupName(),
			Running:      obj.PID() != "",
		}
		if sg, ok := repo.ScalingGroup(obj.ScalingGroupName()); ok {
			facts.ScalingGroupSize = sg.Size()
		}
		if p := obj.Parent(); p != nil {
			facts.Node = p.Hostname()
		}
		req.Application = facts
	case model.Element:
		req.ObjectType = string(obj.ElementType())
		req.ObjectID = obj.ElementID()
	}
	return req
}
