// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/gpuguard/lib/guard"
	"github.com/bureau-foundation/gpuguard/lib/policy"
	"github.com/bureau-foundation/gpuguard/lib/rogue"
	"github.com/bureau-foundation/gpuguard/lib/timewindow"
)

// Duration wraps time.Duration so YAML round-trips keep the human
// form ("30s", "5m") instead of a nanosecond integer.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML emits the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the master configuration for gpuguard.
type Config struct {
	// Monitor configures the polling loop.
	Monitor MonitorConfig `yaml:"monitor"`

	// Audit configures the SQLite audit log.
	Audit AuditConfig `yaml:"audit"`

	// Detector configures the threat detector.
	Detector rogue.Config `yaml:"detector"`

	// Enforcement configures the coordinator's mode and levels.
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Policies seeds the policy store at startup.
	Policies PoliciesConfig `yaml:"policies"`
}

// MonitorConfig configures the polling loop.
type MonitorConfig struct {
	// Host identifies this node in snapshots and the audit log.
	// Defaults to the OS hostname when empty.
	Host string `yaml:"host"`

	// PollInterval is the time between monitoring ticks.
	PollInterval Duration `yaml:"poll_interval"`

	// LookbackHours is the history window depth fed to the detector
	// and evaluator.
	LookbackHours float64 `yaml:"lookback_hours"`
}

// Lookback returns the history window depth as a duration.
func (m *MonitorConfig) Lookback() time.Duration {
	return time.Duration(m.LookbackHours * float64(time.Hour))
}

// AuditConfig configures the SQLite audit log.
type AuditConfig struct {
	// Path is the audit database file. The parent directory must
	// exist.
	Path string `yaml:"path"`

	// RetentionDays bounds how long audit rows are kept; Prune
	// deletes older rows.
	RetentionDays float64 `yaml:"retention_days"`

	// PoolSize is the SQLite connection pool size. Zero means the
	// audit store default.
	PoolSize int `yaml:"pool_size"`
}

// Retention returns the audit retention as a duration.
func (a *AuditConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays * 24 * float64(time.Hour))
}

// EnforcementConfig configures the enforcement coordinator.
type EnforcementConfig struct {
	Enabled         bool `yaml:"enabled"`
	DryRun          bool `yaml:"dry_run"`
	SoftEnforcement bool `yaml:"soft_enforcement"`
	HardEnforcement bool `yaml:"hard_enforcement"`

	// RecentCapacity bounds the recent violation/warning rings. Zero
	// means the coordinator default.
	RecentCapacity int `yaml:"recent_capacity"`
}

// Settings converts the enforcement section to coordinator settings.
func (e *EnforcementConfig) Settings() guard.Settings {
	mode := guard.ModeEnforcing
	if e.DryRun {
		mode = guard.ModeDryRun
	}
	return guard.Settings{
		Enabled:         e.Enabled,
		Mode:            mode,
		SoftEnforcement: e.SoftEnforcement,
		HardEnforcement: e.HardEnforcement,
	}
}

// WindowSpec is the YAML form of a recurring time window. Days are
// 0..6 with Sunday = 0; an empty list means every day.
type WindowSpec struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	Days  []int  `yaml:"days,omitempty"`
}

// Parse converts the spec to a timewindow.Window.
func (w *WindowSpec) Parse() (timewindow.Window, error) {
	return timewindow.Parse(w.Start, w.End, w.Days)
}

// MaintenanceSpec is the YAML form of a GPU maintenance window.
type MaintenanceSpec struct {
	Window  WindowSpec `yaml:"window"`
	Message string     `yaml:"message"`
}

// GPUPolicySpec is the YAML form of a GPU policy; windows are kept as
// raw specs until Seed parses them.
type GPUPolicySpec struct {
	GPUIndex              int              `yaml:"gpu_index"`
	AllowedUsers          []string         `yaml:"allowed_users,omitempty"`
	BlockedUsers          []string         `yaml:"blocked_users,omitempty"`
	MaxMemoryGB           *float64         `yaml:"max_memory_gb,omitempty"`
	ReservedMemoryGB      float64          `yaml:"reserved_memory_gb,omitempty"`
	MaxUtilizationPercent *float64         `yaml:"max_utilization_pct,omitempty"`
	Maintenance           *MaintenanceSpec `yaml:"maintenance,omitempty"`
}

// TimePolicySpec is the YAML form of a time policy.
type TimePolicySpec struct {
	Name   string        `yaml:"name"`
	Window WindowSpec    `yaml:"window"`
	Limits policy.Limits `yaml:"limits"`
}

// PoliciesConfig seeds the policy store at startup.
type PoliciesConfig struct {
	Users  []policy.UserPolicy  `yaml:"users,omitempty"`
	Groups []policy.GroupPolicy `yaml:"groups,omitempty"`
	GPUs   []GPUPolicySpec      `yaml:"gpus,omitempty"`
	Times  []TimePolicySpec     `yaml:"times,omitempty"`
}

// Seed loads every configured policy into the store. Policy
// validation errors surface with enough context to find the offending
// entry.
func (p *PoliciesConfig) Seed(store *policy.Store) error {
	for _, user := range p.Users {
		if err := store.SetUserPolicy(user); err != nil {
			return err
		}
	}
	for _, group := range p.Groups {
		if err := store.SetGroupPolicy(group); err != nil {
			return err
		}
	}
	for _, spec := range p.GPUs {
		gpuPolicy := policy.GPUPolicy{
			GPUIndex:              spec.GPUIndex,
			AllowedUsers:          spec.AllowedUsers,
			BlockedUsers:          spec.BlockedUsers,
			MaxMemoryGB:           spec.MaxMemoryGB,
			ReservedMemoryGB:      spec.ReservedMemoryGB,
			MaxUtilizationPercent: spec.MaxUtilizationPercent,
		}
		if spec.Maintenance != nil {
			window, err := spec.Maintenance.Window.Parse()
			if err != nil {
				return fmt.Errorf("config: gpu policy %d maintenance window: %w", spec.GPUIndex, err)
			}
			gpuPolicy.Maintenance = &policy.MaintenanceWindow{
				Window:  window,
				Message: spec.Maintenance.Message,
			}
		}
		if err := store.SetGPUPolicy(gpuPolicy); err != nil {
			return err
		}
	}
	for _, spec := range p.Times {
		window, err := spec.Window.Parse()
		if err != nil {
			return fmt.Errorf("config: time policy %q window: %w", spec.Name, err)
		}
		if err := store.SetTimePolicy(policy.TimePolicy{
			Name:   spec.Name,
			Window: window,
			Limits: spec.Limits,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the built-in configuration: dry-run enforcement, a
// 24 hour lookback, 30 day audit retention, and the stock detector
// thresholds.
func Default() *Config {
	return &Config{
		Monitor: MonitorConfig{
			PollInterval:  Duration(30 * time.Second),
			LookbackHours: 24,
		},
		Audit: AuditConfig{
			Path:          "/var/lib/gpuguard/audit.db",
			RetentionDays: 30,
		},
		Detector: rogue.DefaultConfig(),
		Enforcement: EnforcementConfig{
			Enabled: true,
			DryRun:  true,
		},
	}
}

// Load loads configuration from the file named by GPUGUARD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("GPUGUARD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("GPUGUARD_CONFIG environment variable not set; " +
			"set it to the path of your gpuguard.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging over
// the defaults. The config file is the single source of truth;
// environment variables never override file values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration back to the file in canonical form.
// Commands that mutate configuration (guard toggles, policy edits)
// load, mutate, and save.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config: refusing to save invalid configuration: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Validate checks every section. Policy seeds are validated separately
// by Seed, against the same rules the runtime store enforces.
func (c *Config) Validate() error {
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval %v must be positive", c.Monitor.PollInterval)
	}
	if c.Monitor.LookbackHours <= 0 {
		return fmt.Errorf("monitor.lookback_hours %v must be positive", c.Monitor.LookbackHours)
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path must not be empty")
	}
	if c.Audit.RetentionDays <= 0 {
		return fmt.Errorf("audit.retention_days %v must be positive", c.Audit.RetentionDays)
	}
	if c.Audit.PoolSize < 0 {
		return fmt.Errorf("audit.pool_size %d must not be negative", c.Audit.PoolSize)
	}
	if c.Enforcement.RecentCapacity < 0 {
		return fmt.Errorf("enforcement.recent_capacity %d must not be negative", c.Enforcement.RecentCapacity)
	}
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	return nil
}
