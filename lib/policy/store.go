// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store owns the four policy collections. Every write is validated
// before it lands and serialized under a single writer lock; readers
// take a snapshot-consistent [View] so a concurrent update is never
// observed mid-change.
type Store struct {
	mu      sync.RWMutex
	users   map[string]UserPolicy
	groups  map[string]GroupPolicy
	gpus    map[int]GPUPolicy
	windows map[string]TimePolicy
}

// NewStore returns an empty store: no policies, everything
// unconstrained.
func NewStore() *Store {
	return &Store{
		users:   make(map[string]UserPolicy),
		groups:  make(map[string]GroupPolicy),
		gpus:    make(map[int]GPUPolicy),
		windows: make(map[string]TimePolicy),
	}
}

// SetUserPolicy adds or replaces the policy for the user.
func (s *Store) SetUserPolicy(p UserPolicy) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.Username] = p
	return nil
}

// RemoveUserPolicy removes the user's policy. Removing a policy that
// does not exist is an error so operator typos surface.
func (s *Store) RemoveUserPolicy(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("policy: no user policy for %q", username)
	}
	delete(s.users, username)
	return nil
}

// SetGroupPolicy adds or replaces the named group policy.
func (s *Store) SetGroupPolicy(p GroupPolicy) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[p.Name] = p
	return nil
}

// RemoveGroupPolicy removes the named group policy.
func (s *Store) RemoveGroupPolicy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[name]; !ok {
		return fmt.Errorf("policy: no group policy named %q", name)
	}
	delete(s.groups, name)
	return nil
}

// SetGPUPolicy adds or replaces the policy for the GPU index.
func (s *Store) SetGPUPolicy(p GPUPolicy) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpus[p.GPUIndex] = p
	return nil
}

// RemoveGPUPolicy removes the policy for the GPU index.
func (s *Store) RemoveGPUPolicy(gpuIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gpus[gpuIndex]; !ok {
		return fmt.Errorf("policy: no gpu policy for index %d", gpuIndex)
	}
	delete(s.gpus, gpuIndex)
	return nil
}

// SetTimePolicy adds or replaces the named time policy.
func (s *Store) SetTimePolicy(p TimePolicy) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[p.Name] = p
	return nil
}

// RemoveTimePolicy removes the named time policy.
func (s *Store) RemoveTimePolicy(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.windows[name]; !ok {
		return fmt.Errorf("policy: no time policy named %q", name)
	}
	delete(s.windows, name)
	return nil
}

// Counts reports how many policies of each kind are stored.
type Counts struct {
	Users  int `json:"users"`
	Groups int `json:"groups"`
	GPUs   int `json:"gpus"`
	Times  int `json:"times"`
}

// Counts returns the per-kind policy counts.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Users:  len(s.users),
		Groups: len(s.groups),
		GPUs:   len(s.gpus),
		Times:  len(s.windows),
	}
}

// View is an immutable, snapshot-consistent copy of the store taken at
// one instant. Evaluation works entirely from a View so that a policy
// update landing mid-cycle cannot produce a half-old, half-new
// classification. Slices are sorted for deterministic iteration.
type View struct {
	Users  []UserPolicy
	Groups []GroupPolicy
	GPUs   []GPUPolicy
	Times  []TimePolicy
}

// View copies the current policy collections.
func (s *Store) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := &View{
		Users:  make([]UserPolicy, 0, len(s.users)),
		Groups: make([]GroupPolicy, 0, len(s.groups)),
		GPUs:   make([]GPUPolicy, 0, len(s.gpus)),
		Times:  make([]TimePolicy, 0, len(s.windows)),
	}
	for _, p := range s.users {
		view.Users = append(view.Users, p)
	}
	for _, p := range s.groups {
		view.Groups = append(view.Groups, p)
	}
	for _, p := range s.gpus {
		view.GPUs = append(view.GPUs, p)
	}
	for _, p := range s.windows {
		view.Times = append(view.Times, p)
	}
	sort.Slice(view.Users, func(i, j int) bool { return view.Users[i].Username < view.Users[j].Username })
	sort.Slice(view.Groups, func(i, j int) bool { return view.Groups[i].Name < view.Groups[j].Name })
	sort.Slice(view.GPUs, func(i, j int) bool { return view.GPUs[i].GPUIndex < view.GPUs[j].GPUIndex })
	sort.Slice(view.Times, func(i, j int) bool { return view.Times[i].Name < view.Times[j].Name })
	return view
}

// EffectiveLimits is the resolved constraint set for one (user, gpu,
// time) context: the most restrictive combination of every applicable
// policy, plus access denial when a GPU policy excludes the user.
type EffectiveLimits struct {
	Limits Limits

	// AccessDenied means a GPU policy denies this user the GPU
	// outright; AccessReason explains which rule. When set, the GPU
	// policy's numeric limits are not folded in (access itself is the
	// violation), but user and time limits still apply.
	AccessDenied bool
	AccessReason string

	// Maintenance carries the active maintenance message, if any.
	Maintenance string

	// Sources names the policies that contributed, for explainable
	// violation messages.
	Sources []string
}

// Resolve combines every policy applicable to the (user, gpuIndex, at)
// context. No applicable policy of any kind yields fully unconstrained
// limits, never "zero allowed". Group aggregate limits are not part of
// per-user resolution; the evaluator checks them across members.
func (v *View) Resolve(user string, gpuIndex int, at time.Time) EffectiveLimits {
	var effective EffectiveLimits

	for _, p := range v.Users {
		if p.Username == user {
			effective.Limits.merge(p.Limits)
			effective.Sources = append(effective.Sources, "user:"+p.Username)
		}
	}

	for _, p := range v.GPUs {
		if p.GPUIndex != gpuIndex {
			continue
		}
		if denied, reason := p.denies(user); denied {
			effective.AccessDenied = true
			effective.AccessReason = reason
			effective.Sources = append(effective.Sources, fmt.Sprintf("gpu:%d", p.GPUIndex))
			continue
		}
		gpuLimits := Limits{UtilizationPercent: p.MaxUtilizationPercent}
		if p.MaxMemoryGB != nil {
			usable := *p.MaxMemoryGB - p.ReservedMemoryGB
			gpuLimits.MemoryGB = &usable
		}
		effective.Limits.merge(gpuLimits)
		effective.Sources = append(effective.Sources, fmt.Sprintf("gpu:%d", p.GPUIndex))
		if p.Maintenance != nil && p.Maintenance.Window.Contains(at) {
			effective.Maintenance = p.Maintenance.Message
		}
	}

	for _, p := range v.Times {
		if p.Window.Contains(at) {
			effective.Limits.merge(p.Limits)
			effective.Sources = append(effective.Sources, "time:"+p.Name)
		}
	}

	return effective
}
