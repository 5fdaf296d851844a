// Package policy gates execution submission with Open Policy Agent.
//
// Every enabled policy is a Rego module whose deny set is evaluated
// against an execution.AdmissionRequest. A deny entry is either a message
// string or an object with message, severity and object keys. Violations
// of error or critical severity reject the action; lower severities are
// logged as warnings.
//
// The built-in policies keep the last application of a scaling group and
// the last node of a group alive, warn about disrupting occupied nodes and
// reject actions without an action object. Additional policies are loaded
// from .rego files, or from .json files holding a serialized Policy, and
// can be reloaded when the files change:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/capman/policies"}); err != nil {
//	    return err
//	}
//	organizer, err := execution.NewOrganizer(cfg, controller, repo, execution.WithAdmitter(eng))
package policy
