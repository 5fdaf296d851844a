// Package repository supplies scaling-group metadata to actions.
//
// The engine only reads from a ScalingGroupRepository. Memory is the
// in-process implementation; its contents can be refreshed from a setup
// file with Watcher without disturbing load-balancer membership.
package repository

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/capman/pkg/model"
)

// ScalingGroupRepository looks up scaling groups by name.
type ScalingGroupRepository interface {
	// ScalingGroup returns the group with the given name.
	ScalingGroup(name string) (*model.ScalingGroup, bool)

	// ScalingGroups returns every group ordered by name.
	ScalingGroups() []*model.ScalingGroup
}

// Memory is a ScalingGroupRepository held in memory.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]*model.ScalingGroup
}

var _ ScalingGroupRepository = (*Memory)(nil)

// NewMemory creates a repository containing groups built from policies.
// Duplicate names are rejected.
func NewMemory(policies ...model.ScalingPolicy) (*Memory, error) {
	m := &Memory{groups: make(map[string]*model.ScalingGroup, len(policies))}
	for _, p := range policies {
		if _, exists := m.groups[p.Name]; exists {
			return nil, fmt.Errorf("duplicate scaling group: %s", p.Name)
		}
		m.groups[p.Name] = model.NewScalingGroup(p)
	}
	return m, nil
}

// ScalingGroup implements ScalingGroupRepository.
func (m *Memory) ScalingGroup(name string) (*model.ScalingGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	return g, ok
}

// ScalingGroups implements ScalingGroupRepository.
func (m *Memory) ScalingGroups() []*model.ScalingGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ScalingGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Put adds a group or updates the policy of an existing one. It returns
// the stored group.
func (m *Memory) Put(policy model.ScalingPolicy) *model.ScalingGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[policy.Name]; ok {
		g.UpdatePolicy(policy)
		return g
	}
	g := model.NewScalingGroup(policy)
	m.groups[policy.Name] = g
	return g
}

// ReplaceResult summarises a Replace call.
type ReplaceResult struct {
	Added   []string
	Updated []string
	Removed []string
}

// Replace makes the repository hold exactly the given policies. Existing
// groups keep their identity and members; groups that disappeared are
// dropped unless they still have members, in which case they are kept.
func (m *Memory) Replace(policies []model.ScalingPolicy) (ReplaceResult, error) {
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if seen[p.Name] {
			return ReplaceResult{}, fmt.Errorf("duplicate scaling group: %s", p.Name)
		}
		seen[p.Name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReplaceResult
	for _, p := range policies {
		if g, ok := m.groups[p.Name]; ok {
			g.UpdatePolicy(p)
			res.Updated = append(res.Updated, p.Name)
			continue
		}
		m.groups[p.Name] = model.NewScalingGroup(p)
		res.Added = append(res.Added, p.Name)
	}
	for name, g := range m.groups {
		if !seen[name] && g.Size() == 0 {
			delete(m.groups, name)
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Removed)
	return res, nil
}
