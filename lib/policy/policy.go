// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/gpuguard/lib/timewindow"
)

// ErrInvalidPolicy is wrapped by every write-time validation failure.
// Evaluation never encounters an invalid stored policy.
var ErrInvalidPolicy = errors.New("invalid policy")

// Limits is one set of optional numeric constraints. A nil dimension
// is unconstrained by this policy; zero is a real (fully restrictive)
// limit and is rejected where it makes no sense.
type Limits struct {
	// MemoryGB caps GPU memory in GiB.
	MemoryGB *float64 `yaml:"memory_gb,omitempty"`

	// UtilizationPercent caps GPU compute utilization.
	UtilizationPercent *float64 `yaml:"utilization_pct,omitempty"`

	// DurationHours caps session length.
	DurationHours *float64 `yaml:"duration_hours,omitempty"`

	// MaxProcesses caps concurrent process count.
	MaxProcesses *int `yaml:"max_processes,omitempty"`
}

// merge folds other into l dimension by dimension, keeping the most
// restrictive (lowest) value where both constrain.
func (l *Limits) merge(other Limits) {
	l.MemoryGB = lowerFloat(l.MemoryGB, other.MemoryGB)
	l.UtilizationPercent = lowerFloat(l.UtilizationPercent, other.UtilizationPercent)
	l.DurationHours = lowerFloat(l.DurationHours, other.DurationHours)
	l.MaxProcesses = lowerInt(l.MaxProcesses, other.MaxProcesses)
}

func lowerFloat(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	default:
		return a
	}
}

func lowerInt(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b < *a:
		return b
	default:
		return a
	}
}

// validate rejects negative limits; zero is allowed (an explicit
// "nothing permitted" limit).
func (l *Limits) validate() error {
	if l.MemoryGB != nil && *l.MemoryGB < 0 {
		return fmt.Errorf("memory_gb %v is negative", *l.MemoryGB)
	}
	if l.UtilizationPercent != nil && (*l.UtilizationPercent < 0 || *l.UtilizationPercent > 100) {
		return fmt.Errorf("utilization_pct %v outside [0, 100]", *l.UtilizationPercent)
	}
	if l.DurationHours != nil && *l.DurationHours < 0 {
		return fmt.Errorf("duration_hours %v is negative", *l.DurationHours)
	}
	if l.MaxProcesses != nil && *l.MaxProcesses < 0 {
		return fmt.Errorf("max_processes %d is negative", *l.MaxProcesses)
	}
	return nil
}

// UserPolicy constrains one user across all GPUs.
type UserPolicy struct {
	Username string `yaml:"username"`
	Limits   Limits `yaml:"limits"`
}

func (p *UserPolicy) validate() error {
	if p.Username == "" {
		return fmt.Errorf("%w: user policy with empty username", ErrInvalidPolicy)
	}
	if err := p.Limits.validate(); err != nil {
		return fmt.Errorf("%w: user policy %q: %v", ErrInvalidPolicy, p.Username, err)
	}
	return nil
}

// GroupPolicy constrains the combined usage of all member users. Its
// limits are aggregate: they apply to the sum of every member's
// current usage, not to any member alone, and imply no per-member
// sub-limit.
type GroupPolicy struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
	// Aggregate limits across all members. DurationHours and
	// UtilizationPercent are not meaningful for a group (duration is
	// per session, utilization is a device reading, neither sums
	// across members) and are rejected if set.
	Aggregate Limits `yaml:"aggregate"`
}

func (p *GroupPolicy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: group policy with empty name", ErrInvalidPolicy)
	}
	if len(p.Members) == 0 {
		return fmt.Errorf("%w: group policy %q has no members", ErrInvalidPolicy, p.Name)
	}
	seen := make(map[string]bool, len(p.Members))
	for _, member := range p.Members {
		if member == "" {
			return fmt.Errorf("%w: group policy %q names an empty member", ErrInvalidPolicy, p.Name)
		}
		if seen[member] {
			return fmt.Errorf("%w: group policy %q lists member %q twice", ErrInvalidPolicy, p.Name, member)
		}
		seen[member] = true
	}
	if p.Aggregate.DurationHours != nil {
		return fmt.Errorf("%w: group policy %q sets duration_hours (not meaningful for aggregates)", ErrInvalidPolicy, p.Name)
	}
	if p.Aggregate.UtilizationPercent != nil {
		return fmt.Errorf("%w: group policy %q sets utilization_pct (not meaningful for aggregates)", ErrInvalidPolicy, p.Name)
	}
	if err := p.Aggregate.validate(); err != nil {
		return fmt.Errorf("%w: group policy %q: %v", ErrInvalidPolicy, p.Name, err)
	}
	return nil
}

// GPUPolicy constrains one GPU independent of who uses it. When
// AllowedUsers is non-empty, any user absent from it commits an access
// violation and the policy's numeric limits are moot for that user.
type GPUPolicy struct {
	GPUIndex int `yaml:"gpu_index"`

	// AllowedUsers, when non-empty, is the exhaustive list of users
	// permitted on this GPU.
	AllowedUsers []string `yaml:"allowed_users,omitempty"`

	// BlockedUsers are denied regardless of AllowedUsers.
	BlockedUsers []string `yaml:"blocked_users,omitempty"`

	// MaxMemoryGB caps total memory on the GPU across all users.
	MaxMemoryGB *float64 `yaml:"max_memory_gb,omitempty"`

	// ReservedMemoryGB is a floor held back for the system; it is
	// subtracted from MaxMemoryGB when computing the effective cap.
	ReservedMemoryGB float64 `yaml:"reserved_memory_gb,omitempty"`

	// MaxUtilizationPercent caps the GPU's compute utilization.
	MaxUtilizationPercent *float64 `yaml:"max_utilization_pct,omitempty"`

	// Maintenance, when active, makes any use of the GPU a critical
	// violation.
	Maintenance *MaintenanceWindow `yaml:"maintenance,omitempty"`
}

// MaintenanceWindow closes a GPU for a recurring window.
type MaintenanceWindow struct {
	Window  timewindow.Window `yaml:"window"`
	Message string            `yaml:"message"`
}

func (p *GPUPolicy) validate() error {
	if p.GPUIndex < 0 {
		return fmt.Errorf("%w: gpu policy with negative index %d", ErrInvalidPolicy, p.GPUIndex)
	}
	if p.ReservedMemoryGB < 0 {
		return fmt.Errorf("%w: gpu policy %d: reserved_memory_gb %v is negative", ErrInvalidPolicy, p.GPUIndex, p.ReservedMemoryGB)
	}
	if p.MaxMemoryGB != nil && *p.MaxMemoryGB < p.ReservedMemoryGB {
		return fmt.Errorf("%w: gpu policy %d: max_memory_gb %v below reserved_memory_gb %v",
			ErrInvalidPolicy, p.GPUIndex, *p.MaxMemoryGB, p.ReservedMemoryGB)
	}
	if p.MaxUtilizationPercent != nil && (*p.MaxUtilizationPercent < 0 || *p.MaxUtilizationPercent > 100) {
		return fmt.Errorf("%w: gpu policy %d: max_utilization_pct %v outside [0, 100]",
			ErrInvalidPolicy, p.GPUIndex, *p.MaxUtilizationPercent)
	}
	for _, user := range p.BlockedUsers {
		for _, allowed := range p.AllowedUsers {
			if user == allowed {
				return fmt.Errorf("%w: gpu policy %d: user %q both allowed and blocked", ErrInvalidPolicy, p.GPUIndex, user)
			}
		}
	}
	return nil
}

// denies reports whether the policy denies the user access, with the
// reason. Blocked wins over allowed.
func (p *GPUPolicy) denies(user string) (bool, string) {
	for _, blocked := range p.BlockedUsers {
		if blocked == user {
			return true, fmt.Sprintf("user %q is blocked from GPU %d", user, p.GPUIndex)
		}
	}
	if len(p.AllowedUsers) > 0 {
		for _, allowed := range p.AllowedUsers {
			if allowed == user {
				return false, ""
			}
		}
		return true, fmt.Sprintf("user %q is not in the allowed list for GPU %d", user, p.GPUIndex)
	}
	return false, ""
}

// TimePolicy applies an extra limit set during a recurring window.
type TimePolicy struct {
	Name   string            `yaml:"name"`
	Window timewindow.Window `yaml:"window"`
	Limits Limits            `yaml:"limits"`
}

func (p *TimePolicy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: time policy with empty name", ErrInvalidPolicy)
	}
	if p.Window == (timewindow.Window{}) {
		return fmt.Errorf("%w: time policy %q has an unparsed window", ErrInvalidPolicy, p.Name)
	}
	if err := p.Limits.validate(); err != nil {
		return fmt.Errorf("%w: time policy %q: %v", ErrInvalidPolicy, p.Name, err)
	}
	return nil
}
