// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rogue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every Config validation failure.
var ErrInvalidConfig = errors.New("invalid rogue config")

// Config holds the thresholds, pattern lists, whitelists, and scoring
// weights that drive detection. Mutated only through whole-value
// replacement; read-only during a scan.
type Config struct {
	// MaxMemoryUsageGB is the per-process memory threshold above
	// which a MemoryHog finding fires.
	MaxMemoryUsageGB float64 `yaml:"max_memory_usage_gb"`

	// MaxUtilizationPercent is the GPU utilization threshold used by
	// both the sustained-utilization mining indicator and the
	// ExcessiveUtilization abuse check.
	MaxUtilizationPercent float64 `yaml:"max_utilization_pct"`

	// MaxDurationHours is the process runtime threshold above which a
	// LongRunning finding fires.
	MaxDurationHours float64 `yaml:"max_duration_hours"`

	// MinConfidence is the minimum accumulated confidence for a
	// crypto-miner or suspicious-process finding to be emitted.
	MinConfidence float64 `yaml:"min_confidence_threshold"`

	// SustainedMinimumFraction is the fraction of a process's history
	// samples that must exceed MaxUtilizationPercent before
	// utilization counts as sustained. Guards against transient
	// spikes producing findings.
	SustainedMinimumFraction float64 `yaml:"sustained_minimum_fraction"`

	// MiningDurationFloorHours is the runtime beyond which duration
	// contributes to mining confidence. Deliberately lower than
	// MaxDurationHours: miners run long before they run abusively
	// long.
	MiningDurationFloorHours float64 `yaml:"mining_duration_floor_hours"`

	// BaselineMemoryFactor is the multiple of a user's historical
	// average process memory beyond which current usage counts as
	// anomalous for suspicious-process scoring.
	BaselineMemoryFactor float64 `yaml:"baseline_memory_factor"`

	// CryptoMinerPatterns are lowercase substrings of process names
	// associated with mining (library names, algorithm names).
	CryptoMinerPatterns []string `yaml:"crypto_miner_patterns"`

	// KnownMinerNames are lowercase names of known mining binaries.
	// A match contributes more confidence than a generic pattern.
	KnownMinerNames []string `yaml:"known_miner_names"`

	// UnusualUsernames are accounts that should not be running GPU
	// jobs at all (service accounts, daemons).
	UnusualUsernames []string `yaml:"unusual_usernames"`

	// ProcessWhitelist exempts processes by exact name or prefix
	// ("python" exempts "python3.11"). Matching is case-insensitive.
	ProcessWhitelist []string `yaml:"process_whitelist"`

	// UserWhitelist exempts users by exact, case-insensitive name.
	UserWhitelist []string `yaml:"user_whitelist"`

	// Weights are the per-indicator confidence contributions and
	// per-type aggregation weights.
	Weights Weights `yaml:"weights"`

	// RiskCutpoints map confidence to a risk level.
	RiskCutpoints RiskCutpoints `yaml:"risk_cutpoints"`
}

// Weights holds every tunable scoring weight. Indicator weights are
// summed into a finding's confidence (clipped to [0, 1]); type weights
// scale each finding's contribution to the aggregate risk score.
type Weights struct {
	// Crypto-miner confidence indicators.
	MinerPatternMatch   float64 `yaml:"miner_pattern_match"`
	KnownMinerName      float64 `yaml:"known_miner_name"`
	SustainedHighUsage  float64 `yaml:"sustained_high_usage"`
	MiningDurationFloor float64 `yaml:"mining_duration_floor"`

	// Suspicious-process confidence indicators.
	UnusualProcessName float64 `yaml:"unusual_process_name"`
	UnusualUser        float64 `yaml:"unusual_user"`
	AnomalousUsage     float64 `yaml:"anomalous_usage"`

	// Per-type weights for the aggregate risk score.
	CryptoMinerType       float64 `yaml:"crypto_miner_type"`
	SuspiciousProcessType float64 `yaml:"suspicious_process_type"`
	ResourceAbuserType    float64 `yaml:"resource_abuser_type"`
}

// RiskCutpoints are the confidence thresholds for risk levels,
// required strictly descending: critical > high > medium > low.
// Classification scans critical to low and assigns the first level
// whose threshold the confidence meets; anything below Low's
// threshold is Low.
type RiskCutpoints struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
	Low      float64 `yaml:"low"`
}

// DefaultConfig returns the shipped detection ruleset. Operators tune
// from here; the defaults favor catching the common miners while
// whitelisting the ML toolchain.
func DefaultConfig() Config {
	return Config{
		MaxMemoryUsageGB:         20.0,
		MaxUtilizationPercent:    95.0,
		MaxDurationHours:         24.0,
		MinConfidence:            0.7,
		SustainedMinimumFraction: 0.8,
		MiningDurationFloorHours: 2.0,
		BaselineMemoryFactor:     3.0,
		CryptoMinerPatterns: []string{
			"miner", "hash", "cryptonight", "ethash", "equihash", "kawpow", "autolykos",
		},
		KnownMinerNames: []string{
			"xmrig", "ccminer", "cgminer", "bfgminer", "sgminer",
			"ethminer", "t-rex", "lolminer", "nbminer", "gminer",
		},
		UnusualUsernames: []string{"daemon", "nobody", "www-data"},
		ProcessWhitelist: []string{
			"python", "jupyter", "tensorflow", "pytorch", "nvidia-smi", "nvidia-cuda-mps",
		},
		UserWhitelist: []string{"root", "admin", "system"},
		Weights: Weights{
			MinerPatternMatch:     0.3,
			KnownMinerName:        0.5,
			SustainedHighUsage:    0.2,
			MiningDurationFloor:   0.1,
			UnusualProcessName:    0.3,
			UnusualUser:           0.2,
			AnomalousUsage:        0.4,
			CryptoMinerType:       0.8,
			SuspiciousProcessType: 0.5,
			ResourceAbuserType:    0.3,
		},
		RiskCutpoints: RiskCutpoints{Critical: 0.9, High: 0.7, Medium: 0.5, Low: 0.3},
	}
}

// Validate rejects inconsistent configuration before it reaches the
// detector: negative thresholds, weights outside [0, 1], cut points
// not strictly descending. A Config that passes Validate never causes
// Scan to fail.
func (c *Config) Validate() error {
	for _, check := range []struct {
		name  string
		value float64
	}{
		{"max_memory_usage_gb", c.MaxMemoryUsageGB},
		{"max_utilization_pct", c.MaxUtilizationPercent},
		{"max_duration_hours", c.MaxDurationHours},
		{"mining_duration_floor_hours", c.MiningDurationFloorHours},
		{"baseline_memory_factor", c.BaselineMemoryFactor},
	} {
		if check.value < 0 {
			return fmt.Errorf("%w: %s is negative (%v)", ErrInvalidConfig, check.name, check.value)
		}
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence_threshold %v outside [0, 1]", ErrInvalidConfig, c.MinConfidence)
	}
	if c.SustainedMinimumFraction < 0 || c.SustainedMinimumFraction > 1 {
		return fmt.Errorf("%w: sustained_minimum_fraction %v outside [0, 1]", ErrInvalidConfig, c.SustainedMinimumFraction)
	}
	if c.MaxUtilizationPercent > 100 {
		return fmt.Errorf("%w: max_utilization_pct %v above 100", ErrInvalidConfig, c.MaxUtilizationPercent)
	}

	weights := []struct {
		name  string
		value float64
	}{
		{"miner_pattern_match", c.Weights.MinerPatternMatch},
		{"known_miner_name", c.Weights.KnownMinerName},
		{"sustained_high_usage", c.Weights.SustainedHighUsage},
		{"mining_duration_floor", c.Weights.MiningDurationFloor},
		{"unusual_process_name", c.Weights.UnusualProcessName},
		{"unusual_user", c.Weights.UnusualUser},
		{"anomalous_usage", c.Weights.AnomalousUsage},
		{"crypto_miner_type", c.Weights.CryptoMinerType},
		{"suspicious_process_type", c.Weights.SuspiciousProcessType},
		{"resource_abuser_type", c.Weights.ResourceAbuserType},
	}
	for _, weight := range weights {
		if weight.value < 0 || weight.value > 1 {
			return fmt.Errorf("%w: weight %s %v outside [0, 1]", ErrInvalidConfig, weight.name, weight.value)
		}
	}

	cut := c.RiskCutpoints
	if !(cut.Critical > cut.High && cut.High > cut.Medium && cut.Medium > cut.Low) {
		return fmt.Errorf("%w: risk cutpoints not strictly descending (critical=%v high=%v medium=%v low=%v)",
			ErrInvalidConfig, cut.Critical, cut.High, cut.Medium, cut.Low)
	}
	if cut.Low < 0 || cut.Critical > 1 {
		return fmt.Errorf("%w: risk cutpoints outside [0, 1]", ErrInvalidConfig)
	}

	return nil
}

// processWhitelisted reports whether name matches the process
// whitelist by exact name or prefix, case-insensitively.
func (c *Config) processWhitelisted(name string) bool {
	lower := strings.ToLower(name)
	for _, entry := range c.ProcessWhitelist {
		if strings.HasPrefix(lower, strings.ToLower(entry)) {
			return true
		}
	}
	return false
}

// userWhitelisted reports whether user matches the user whitelist,
// case-insensitively.
func (c *Config) userWhitelisted(user string) bool {
	for _, entry := range c.UserWhitelist {
		if strings.EqualFold(entry, user) {
			return true
		}
	}
	return false
}
