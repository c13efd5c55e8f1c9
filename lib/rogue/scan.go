// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rogue

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// Scan classifies every non-whitelisted process in snap against the
// configured rules, using history for duration and sustained-usage
// signals. It is a pure function of its inputs: no hidden state, safe
// to call concurrently with different snapshots.
//
// A malformed snapshot fails the whole call; Scan never partially
// classifies. The config must have passed Validate.
func Scan(snap *snapshot.Snapshot, history *snapshot.HistoryWindow, config *Config) (*Result, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("rogue: %w", err)
	}
	if history == nil {
		history = snapshot.NewHistoryWindow(0)
	}

	result := &Result{Timestamp: snap.Timestamp}

	for _, proc := range snap.Processes {
		// Whitelisted processes and users are excluded before any
		// scoring, even when the name would also match a mining
		// pattern: the operator has explicitly trusted them.
		if config.processWhitelisted(proc.Name) || config.userWhitelisted(proc.User) {
			continue
		}

		key := snap.Key(proc)
		durationHours := history.ProcessDuration(key).Hours()
		sustained, sustainedMean := sustainedUtilization(history, key, config)

		if miner, ok := scoreCryptoMiner(proc, durationHours, sustained, config); ok {
			result.CryptoMiners = append(result.CryptoMiners, miner)
		}
		if suspicious, ok := scoreSuspicious(proc, history, config); ok {
			result.SuspiciousProcesses = append(result.SuspiciousProcesses, suspicious)
		}
		result.ResourceAbusers = append(result.ResourceAbusers,
			classifyAbuse(proc, durationHours, sustained, sustainedMean, config)...)
	}

	result.RiskScore = aggregateRisk(result, config)
	result.Recommendations = recommendations(result)
	return result, nil
}

// sustainedUtilization reports whether the process's GPU ran above
// the utilization threshold for at least the configured fraction of
// its history samples, and the mean utilization of those
// over-threshold samples. A single hot tick is not sustained. The
// mean describes the sustained observation itself, so a finding's
// severity does not swing with whichever tick the scan happens to
// land on.
func sustainedUtilization(history *snapshot.HistoryWindow, key snapshot.ProcessKey, config *Config) (bool, float64) {
	samples := history.ProcessSamples(key)
	if len(samples) == 0 {
		return false, 0
	}
	over, sum := 0, 0.0
	for _, sample := range samples {
		if sample.GPUUtilization > config.MaxUtilizationPercent {
			over++
			sum += sample.GPUUtilization
		}
	}
	if float64(over)/float64(len(samples)) < config.SustainedMinimumFraction {
		return false, 0
	}
	return true, sum / float64(over)
}

// scoreCryptoMiner accumulates mining confidence from independent
// indicators and emits a finding when the clipped sum reaches the
// configured threshold.
func scoreCryptoMiner(proc snapshot.ProcessRecord, durationHours float64, sustained bool, config *Config) (CryptoMiner, bool) {
	var confidence float64
	var indicators []string
	nameLower := strings.ToLower(proc.Name)

	for _, pattern := range config.CryptoMinerPatterns {
		if strings.Contains(nameLower, strings.ToLower(pattern)) {
			indicators = append(indicators, fmt.Sprintf("process name contains mining pattern %q", pattern))
			confidence += config.Weights.MinerPatternMatch
		}
	}
	for _, miner := range config.KnownMinerNames {
		if strings.Contains(nameLower, strings.ToLower(miner)) {
			indicators = append(indicators, fmt.Sprintf("known miner binary %q", miner))
			confidence += config.Weights.KnownMinerName
		}
	}
	if sustained {
		indicators = append(indicators,
			fmt.Sprintf("GPU utilization sustained above %.0f%% across history window", config.MaxUtilizationPercent))
		confidence += config.Weights.SustainedHighUsage
	}
	if durationHours > config.MiningDurationFloorHours {
		indicators = append(indicators, fmt.Sprintf("running for %.1f hours", durationHours))
		confidence += config.Weights.MiningDurationFloor
	}

	confidence = clip01(confidence)
	if confidence < config.MinConfidence {
		return CryptoMiner{}, false
	}
	return CryptoMiner{Process: proc, Confidence: confidence, Indicators: indicators}, true
}

// scoreSuspicious accumulates non-mining suspicion: odd naming, a
// user that should not run GPU jobs, usage anomalous against the
// user's own historical baseline.
func scoreSuspicious(proc snapshot.ProcessRecord, history *snapshot.HistoryWindow, config *Config) (SuspiciousProcess, bool) {
	var confidence float64
	var reasons []string

	if unusualProcessName(proc.Name) {
		reasons = append(reasons, fmt.Sprintf("unusual process name pattern %q", proc.Name))
		confidence += config.Weights.UnusualProcessName
	}
	for _, unusual := range config.UnusualUsernames {
		if strings.EqualFold(unusual, proc.User) {
			reasons = append(reasons, fmt.Sprintf("unexpected user %q for GPU workload", proc.User))
			confidence += config.Weights.UnusualUser
			break
		}
	}
	if baseline, ok := history.UserBaselineMemoryMB(proc.User); ok && baseline > 0 {
		if float64(proc.UsedMemoryMB) > baseline*config.BaselineMemoryFactor {
			reasons = append(reasons, fmt.Sprintf("memory %.1f GB is %.1fx user's historical average",
				float64(proc.UsedMemoryMB)/1024, float64(proc.UsedMemoryMB)/baseline))
			confidence += config.Weights.AnomalousUsage
		}
	}

	confidence = clip01(confidence)
	if confidence < config.MinConfidence {
		return SuspiciousProcess{}, false
	}
	return SuspiciousProcess{
		Process:    proc,
		Confidence: confidence,
		RiskLevel:  config.RiskCutpoints.Level(confidence),
		Reasons:    reasons,
	}, true
}

// unusualProcessName flags names that look generated or deliberately
// nondescript: long names stuffed with digits, or the classic
// throwaway fragments.
func unusualProcessName(name string) bool {
	if len(name) > 20 {
		digits := 0
		for _, r := range name {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits > 5 {
			return true
		}
	}
	lower := strings.ToLower(name)
	for _, fragment := range []string{"temp", "tmp", "random", "test", "unknown"} {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// classifyAbuse checks the three hard thresholds independently; each
// breach is its own finding with normalized-overage severity.
func classifyAbuse(proc snapshot.ProcessRecord, durationHours float64, sustained bool, sustainedMean float64, config *Config) []ResourceAbuser {
	var findings []ResourceAbuser

	memoryGB := float64(proc.UsedMemoryMB) / 1024
	if config.MaxMemoryUsageGB > 0 && memoryGB > config.MaxMemoryUsageGB {
		findings = append(findings, ResourceAbuser{
			Process:       proc,
			AbuseType:     AbuseMemoryHog,
			Severity:      overageSeverity(memoryGB, config.MaxMemoryUsageGB),
			DurationHours: durationHours,
			Evidence:      fmt.Sprintf("memory %.1f GB over threshold %.1f GB", memoryGB, config.MaxMemoryUsageGB),
		})
	}

	if config.MaxDurationHours > 0 && durationHours > config.MaxDurationHours {
		findings = append(findings, ResourceAbuser{
			Process:       proc,
			AbuseType:     AbuseLongRunning,
			Severity:      overageSeverity(durationHours, config.MaxDurationHours),
			DurationHours: durationHours,
			Evidence:      fmt.Sprintf("running %.1f hours over threshold %.1f hours", durationHours, config.MaxDurationHours),
		})
	}

	if sustained {
		findings = append(findings, ResourceAbuser{
			Process:       proc,
			AbuseType:     AbuseExcessiveUtilization,
			Severity:      overageSeverity(sustainedMean, config.MaxUtilizationPercent),
			DurationHours: durationHours,
			Evidence: fmt.Sprintf("utilization sustained at %.1f%% above threshold %.1f%%",
				sustainedMean, config.MaxUtilizationPercent),
		})
	}

	return findings
}

// Level maps confidence to the first level it meets, scanning
// critical to low.
func (r RiskCutpoints) Level(confidence float64) RiskLevel {
	switch {
	case confidence >= r.Critical:
		return RiskCritical
	case confidence >= r.High:
		return RiskHigh
	case confidence >= r.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// aggregateRisk is the weighted mean of all finding confidences and
// severities, each weighted by its type's configured weight, clipped
// to [0, 1]. No findings means exactly zero.
func aggregateRisk(result *Result, config *Config) float64 {
	var weightedSum, weightTotal float64

	for _, miner := range result.CryptoMiners {
		weightedSum += miner.Confidence * config.Weights.CryptoMinerType
		weightTotal += config.Weights.CryptoMinerType
	}
	for _, suspicious := range result.SuspiciousProcesses {
		weightedSum += suspicious.Confidence * config.Weights.SuspiciousProcessType
		weightTotal += config.Weights.SuspiciousProcessType
	}
	for _, abuser := range result.ResourceAbusers {
		weightedSum += abuser.Severity * config.Weights.ResourceAbuserType
		weightTotal += config.Weights.ResourceAbuserType
	}

	if weightTotal == 0 {
		return 0
	}
	return clip01(weightedSum / weightTotal)
}

// recommendations emits one operator hint per finding type present,
// ordered miners, suspicious, abuse.
func recommendations(result *Result) []string {
	var out []string
	if len(result.CryptoMiners) > 0 {
		out = append(out, "Crypto miners detected: review the flagged processes and consider immediate termination.")
	}
	if len(result.SuspiciousProcesses) > 0 {
		out = append(out, "Suspicious processes detected: investigate ownership and provenance of the flagged workloads.")
	}
	if len(result.ResourceAbusers) > 0 {
		out = append(out, "Resource abuse detected: consider configuring usage policies for the affected users.")
	}
	return out
}

func overageSeverity(observed, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return clip01((observed - threshold) / threshold)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
