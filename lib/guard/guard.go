// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/policy"
)

// Mode selects whether intents are simulated or live.
type Mode string

const (
	// ModeDryRun produces simulated intents only. Nothing is ever
	// forwarded for execution.
	ModeDryRun Mode = "dry-run"

	// ModeEnforcing produces live intents on the enforcement axes
	// that are switched on.
	ModeEnforcing Mode = "enforcing"
)

// Action is what the process-control collaborator should do.
type Action string

const (
	// ActionRecord means no enforcement axis covers the violation;
	// it is kept for reporting only.
	ActionRecord Action = "record"

	// ActionWarn sends the user a warning.
	ActionWarn Action = "warn"

	// ActionSoftNotify escalates to the user and their operator
	// channel without touching the process.
	ActionSoftNotify Action = "soft_notify"

	// ActionTerminate kills the offending process.
	ActionTerminate Action = "terminate"
)

// Intent is one enforcement decision derived from one violation.
// Consumed by the process-control collaborator; never mutated after
// creation.
type Intent struct {
	Timestamp   time.Time `json:"timestamp"`
	ViolationID string    `json:"violation_id"`
	User        string    `json:"user"`
	Action      Action    `json:"action"`
	Reason      string    `json:"reason"`

	// Simulated intents describe what would have happened; they must
	// not be executed.
	Simulated bool `json:"simulated"`

	GPUID      *int `json:"gpu_id,omitempty"`
	ProcessPID *int `json:"process_pid,omitempty"`
}

// Settings is the coordinator's mutable configuration. Changes land
// atomically between coordination cycles.
type Settings struct {
	// Enabled gates the whole coordinator. Disabled means no
	// intents and no status updates.
	Enabled bool `yaml:"enabled"`

	// Mode selects dry-run or enforcing.
	Mode Mode `yaml:"mode"`

	// SoftEnforcement enables Warn and SoftNotify for Low and
	// Medium violations.
	SoftEnforcement bool `yaml:"soft_enforcement"`

	// HardEnforcement enables Terminate for High and Critical
	// violations.
	HardEnforcement bool `yaml:"hard_enforcement"`
}

// Status is the rolling report surface: configuration flags, policy
// counts, lifetime counters, and the bounded recent history.
type Status struct {
	Enabled         bool          `json:"enabled"`
	DryRun          bool          `json:"dry_run"`
	SoftEnforcement bool          `json:"soft_enforcement"`
	HardEnforcement bool          `json:"hard_enforcement"`
	PolicyCounts    policy.Counts `json:"policy_counts"`

	TotalViolations int `json:"total_violations"`
	TotalWarnings   int `json:"total_warnings"`
	TotalIntents    int `json:"total_intents"`

	// RecentViolations and RecentWarnings are oldest first, bounded
	// by the configured ring capacity.
	RecentViolations []policy.Violation `json:"recent_violations"`
	RecentWarnings   []policy.Warning   `json:"recent_warnings"`
}

// Coordinator owns the enforcement state machine and the rolling
// status. All methods are safe for concurrent use; a settings change
// never lands mid-cycle.
type Coordinator struct {
	clk    clock.Clock
	logger *slog.Logger
	// policies supplies the counts reported in Status.
	policies *policy.Store

	mu               sync.Mutex
	settings         Settings
	totalViolations  int
	totalWarnings    int
	totalIntents     int
	recentViolations *ring[policy.Violation]
	recentWarnings   *ring[policy.Warning]
}

// Options configure a coordinator beyond its settings.
type Options struct {
	// RecentCapacity bounds the recent-history rings; zero means
	// DefaultRecentCapacity.
	RecentCapacity int

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger
}

// NewCoordinator builds a coordinator over the policy store with the
// given initial settings.
func NewCoordinator(policies *policy.Store, settings Settings, opts Options) *Coordinator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		clk:              clk,
		logger:           logger,
		policies:         policies,
		settings:         settings,
		recentViolations: newRing[policy.Violation](opts.RecentCapacity),
		recentWarnings:   newRing[policy.Warning](opts.RecentCapacity),
	}
}

// Settings returns the current configuration.
func (c *Coordinator) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// UpdateSettings replaces the configuration. The change applies to the
// next coordination cycle; intents already emitted are unaffected.
func (c *Coordinator) UpdateSettings(mutate func(*Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.settings
	mutate(&c.settings)
	if c.settings != before {
		c.logger.Info("guard settings changed",
			"enabled", c.settings.Enabled,
			"mode", c.settings.Mode,
			"soft", c.settings.SoftEnforcement,
			"hard", c.settings.HardEnforcement)
	}
}

// Coordinate turns an evaluation into enforcement intents per the
// configured mode and levels, and folds the evaluation into the
// rolling status. Returns nil when the coordinator is disabled.
func (c *Coordinator) Coordinate(eval *policy.Evaluation) []Intent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settings.Enabled {
		return nil
	}
	return c.coordinateLocked(eval, c.settings)
}

// Test runs a coordination pass with the mode forced to dry-run,
// regardless of the configured mode, so operators can preview
// consequences before enabling enforcement. The configured settings
// are not mutated; the rolling status is not updated.
func (c *Coordinator) Test(eval *policy.Evaluation) []Intent {
	c.mu.Lock()
	settings := c.settings
	c.mu.Unlock()
	settings.Enabled = true
	settings.Mode = ModeDryRun

	now := c.clk.Now()
	intents := make([]Intent, 0, len(eval.Violations))
	for _, violation := range eval.Violations {
		intents = append(intents, intentFor(violation, settings, now))
	}
	return intents
}

func (c *Coordinator) coordinateLocked(eval *policy.Evaluation, settings Settings) []Intent {
	now := c.clk.Now()
	var intents []Intent
	for _, violation := range eval.Violations {
		c.totalViolations++
		c.recentViolations.push(violation)

		intent := intentFor(violation, settings, now)
		if settings.Mode != ModeDryRun && intent.Action == ActionRecord {
			// The relevant axis is off: recorded above, no intent.
			continue
		}
		intents = append(intents, intent)
		c.totalIntents++
		c.logger.Info("enforcement intent",
			"action", intent.Action,
			"simulated", intent.Simulated,
			"user", intent.User,
			"violation", intent.ViolationID,
			"severity", violation.Severity)
	}
	for _, warning := range eval.Warnings {
		c.totalWarnings++
		c.recentWarnings.push(warning)
	}
	return intents
}

// intentFor applies the transition table: soft axis covers Low and
// Medium, hard axis covers High and Critical, dry-run marks the
// result simulated.
func intentFor(violation policy.Violation, settings Settings, now time.Time) Intent {
	action := ActionRecord
	if violation.Severity.AtLeast(policy.SeverityHigh) {
		if settings.HardEnforcement {
			action = ActionTerminate
		}
	} else if settings.SoftEnforcement {
		if violation.Severity == policy.SeverityMedium {
			action = ActionSoftNotify
		} else {
			action = ActionWarn
		}
	}
	return Intent{
		Timestamp:   now,
		ViolationID: violation.ID,
		User:        violation.User,
		Action:      action,
		Reason:      violation.Message,
		Simulated:   settings.Mode == ModeDryRun,
		GPUID:       violation.GPUID,
		ProcessPID:  violation.ProcessPID,
	}
}

// Status reports the coordinator's current configuration, counters,
// and bounded recent history.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:          c.settings.Enabled,
		DryRun:           c.settings.Mode == ModeDryRun,
		SoftEnforcement:  c.settings.SoftEnforcement,
		HardEnforcement:  c.settings.HardEnforcement,
		PolicyCounts:     c.policies.Counts(),
		TotalViolations:  c.totalViolations,
		TotalWarnings:    c.totalWarnings,
		TotalIntents:     c.totalIntents,
		RecentViolations: c.recentViolations.snapshot(),
		RecentWarnings:   c.recentWarnings.snapshot(),
	}
}
