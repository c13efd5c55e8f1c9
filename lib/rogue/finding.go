// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rogue

import (
	"time"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// RiskLevel classifies suspicious-process confidence.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AbuseType names the resource dimension a ResourceAbuser finding
// breached. The axes are independent: one process can produce several
// abuse findings in the same scan.
type AbuseType string

const (
	AbuseMemoryHog            AbuseType = "memory_hog"
	AbuseLongRunning          AbuseType = "long_running"
	AbuseExcessiveUtilization AbuseType = "excessive_utilization"
	// AbuseUnauthorizedAccess is reserved for access findings carried
	// over from policy evaluation; Scan itself never emits it.
	AbuseUnauthorizedAccess AbuseType = "unauthorized_access"
)

// CryptoMiner is a process whose accumulated mining indicators reached
// the configured confidence threshold.
type CryptoMiner struct {
	Process    snapshot.ProcessRecord `json:"process"`
	Confidence float64                `json:"confidence"`
	Indicators []string               `json:"indicators"`
}

// SuspiciousProcess is a process flagged by non-mining heuristics:
// unusual naming, unexpected user, usage out of line with the user's
// history.
type SuspiciousProcess struct {
	Process    snapshot.ProcessRecord `json:"process"`
	Confidence float64                `json:"confidence"`
	RiskLevel  RiskLevel              `json:"risk_level"`
	Reasons    []string               `json:"reasons"`
}

// ResourceAbuser is a process over a hard resource threshold. Severity
// is the normalized overage min(1, (observed-threshold)/threshold).
type ResourceAbuser struct {
	Process       snapshot.ProcessRecord `json:"process"`
	AbuseType     AbuseType              `json:"abuse_type"`
	Severity      float64                `json:"severity"`
	DurationHours float64                `json:"duration_hours"`
	Evidence      string                 `json:"evidence"`
}

// Result is one scan's classified findings. Created fresh per Scan
// call and never mutated afterwards.
type Result struct {
	Timestamp           time.Time           `json:"timestamp"`
	CryptoMiners        []CryptoMiner       `json:"crypto_miners"`
	SuspiciousProcesses []SuspiciousProcess `json:"suspicious_processes"`
	ResourceAbusers     []ResourceAbuser    `json:"resource_abusers"`

	// RiskScore aggregates all findings into [0, 1]: the weighted
	// mean of finding confidences/severities using the per-type
	// weights. Exactly 0 when no findings fired.
	RiskScore float64 `json:"risk_score"`

	// Recommendations holds one templated operator hint per finding
	// type present, ordered miners, suspicious, abuse.
	Recommendations []string `json:"recommendations"`
}

// Empty reports whether the scan produced no findings of any type.
func (r *Result) Empty() bool {
	return len(r.CryptoMiners) == 0 && len(r.SuspiciousProcesses) == 0 && len(r.ResourceAbusers) == 0
}
