package model

import (
	"sync"
	"time"
)

// ScalingPolicy is the named policy bundle applied to a class of
// applications.
type ScalingPolicy struct {
	// Name identifies the scaling group.
	Name string `json:"name" yaml:"name" validate:"required"`

	// ApplicationFolder is the folder, relative to the applications root,
	// holding the application and its scripts.
	ApplicationFolder string `json:"application_folder" yaml:"application_folder" validate:"required"`

	// StartApplicationScript is the script started inside the folder.
	StartApplicationScript string `json:"start_application_script" yaml:"start_application_script" validate:"required"`

	// TerminateApplicationScript is run instead of killing the pid when set.
	TerminateApplicationScript string `json:"terminate_application_script,omitempty" yaml:"terminate_application_script,omitempty"`

	// WaitTimeForApplicationAction paces start, stop and migration steps.
	WaitTimeForApplicationAction time.Duration `json:"wait_time_for_application_action" yaml:"wait_time_for_application_action"`

	// Dynamic marks groups the planner may grow and shrink.
	Dynamic bool `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
}

// ScalingGroup is a scaling policy plus the load-balancer membership of
// its running applications.
type ScalingGroup struct {
	mu           sync.RWMutex
	policy       ScalingPolicy
	applications []*Application
}

// NewScalingGroup creates a scaling group with no members.
func NewScalingGroup(policy ScalingPolicy) *ScalingGroup {
	return &ScalingGroup{policy: policy}
}

// Name returns the group name.
func (s *ScalingGroup) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Name
}

// Policy returns a copy of the current policy.
func (s *ScalingGroup) Policy() ScalingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// UpdatePolicy replaces the policy and keeps the membership.
func (s *ScalingGroup) UpdatePolicy(policy ScalingPolicy) {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
}

// ApplicationFolder returns the application folder of the group.
func (s *ScalingGroup) ApplicationFolder() string {
	return s.Policy().ApplicationFolder
}

// WaitTime returns the pacing delay for application actions.
func (s *ScalingGroup) WaitTime() time.Duration {
	return s.Policy().WaitTimeForApplicationAction
}

// AddApplication registers an application with the load balancer. Adding
// a member twice is a no-op.
func (s *ScalingGroup) AddApplication(app *Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.applications {
		if existing == app {
			return
		}
	}
	s.applications = append(s.applications, app)
}

// RemoveApplication removes an application from the load balancer.
func (s *ScalingGroup) RemoveApplication(app *Application) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.applications {
		if existing == app {
			s.applications = append(s.applications[:i], s.applications[i+1:]...)
			return true
		}
	}
	return false
}

// HasApplication reports load-balancer membership.
func (s *ScalingGroup) HasApplication(app *Application) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.applications {
		if existing == app {
			return true
		}
	}
	return false
}

// Applications returns a snapshot of the members.
func (s *ScalingGroup) Applications() []*Application {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Application, len(s.applications))
	copy(out, s.applications)
	return out
}

// Size returns the number of members.
func (s *ScalingGroup) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.applications)
}
