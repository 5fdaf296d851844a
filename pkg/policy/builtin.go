package policy

// GetBuiltinPolicies returns all built-in admission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		lastApplicationPolicy(),
		lastNodePolicy(),
		occupiedNodePolicy(),
		identifiedObjectPolicy(),
	}
}

// lastApplicationPolicy keeps at least one application in every scaling
// group.
func lastApplicationPolicy() Policy {
	return Policy{
		Name:        "last-application",
		Description: "Rejects terminating the last application of a scaling group",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"availability", "application"},
		Rego: `package capman.admission.last_application

import rego.v1

deny contains violation if {
	input.kind == "application_terminate"
	app := input.application
	app.scaling_group_size <= 1
	violation := {
		"message": sprintf("application %s is the last member of scaling group %s", [app.name, app.scaling_group]),
		"object": input.object_id,
	}
}
`,
	}
}

// lastNodePolicy keeps at least one node in every node group.
func lastNodePolicy() Policy {
	return Policy{
		Name:        "last-node",
		Description: "Rejects terminating the last node of a node group",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"availability", "node"},
		Rego: `package capman.admission.last_node

import rego.v1

deny contains violation if {
	input.kind == "node_terminate"
	node := input.node
	node.group != ""
	node.group_size <= 1
	violation := {
		"message": sprintf("node %s is the last member of node group %s", [node.hostname, node.group]),
		"object": input.object_id,
	}
}
`,
	}
}

// occupiedNodePolicy warns when a node is terminated or restarted while
// it still hosts applications.
func occupiedNodePolicy() Policy {
	return Policy{
		Name:        "occupied-node",
		Description: "Warns about node actions that interrupt hosted applications",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"node"},
		Rego: `package capman.admission.occupied_node

import rego.v1

disruptive := {"node_terminate", "node_restart"}

deny contains msg if {
	input.kind in disruptive
	input.node.applications > 0
	msg := sprintf("node %s still hosts %d application(s)", [input.node.hostname, input.node.applications])
}
`,
	}
}

// identifiedObjectPolicy requires every action to name its object.
func identifiedObjectPolicy() Policy {
	return Policy{
		Name:        "identified-object",
		Description: "Rejects actions without an identifiable action object",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"sanity"},
		Rego: `package capman.admission.identified_object

import rego.v1

deny contains msg if {
	input.object_id == ""
	msg := sprintf("%s action has no action object", [input.kind])
}

deny contains msg if {
	not input.object_id
	msg := sprintf("%s action has no action object", [input.kind])
}
`,
	}
}
