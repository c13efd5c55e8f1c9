// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rogue

import (
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

func scanTime() time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

// hostSnapshot builds a one-GPU snapshot with the given processes.
func hostSnapshot(t *testing.T, utilization float64, procs ...snapshot.ProcessRecord) *snapshot.Snapshot {
	t.Helper()
	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: scanTime(),
		GPUs: []snapshot.GPUState{
			{Index: 0, Name: "Test GPU", MemoryUsedMB: 0, MemoryTotalMB: 131072, UtilizationPercent: utilization},
		},
		Processes: procs,
	}
	for _, proc := range procs {
		snap.GPUs[0].MemoryUsedMB += proc.UsedMemoryMB
	}
	if snap.GPUs[0].MemoryUsedMB > snap.GPUs[0].MemoryTotalMB {
		snap.GPUs[0].MemoryUsedMB = snap.GPUs[0].MemoryTotalMB
	}
	if err := snap.Validate(); err != nil {
		t.Fatalf("test snapshot invalid: %v", err)
	}
	return snap
}

// sustainedHistory replays the process across the full lookback at the
// given utilization so duration and sustained-usage signals fire.
func sustainedHistory(t *testing.T, proc snapshot.ProcessRecord, utilization float64, hours int) *snapshot.HistoryWindow {
	t.Helper()
	window := snapshot.NewHistoryWindow(0)
	for i := 0; i <= hours*4; i++ {
		snap := hostSnapshot(t, utilization, proc)
		snap.Timestamp = scanTime().Add(-time.Duration(hours) * time.Hour).Add(time.Duration(i) * 15 * time.Minute)
		window.Append(snap)
	}
	return window
}

func mustScan(t *testing.T, snap *snapshot.Snapshot, history *snapshot.HistoryWindow, config Config) *Result {
	t.Helper()
	if err := config.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	result, err := Scan(snap, history, &config)
	if err != nil {
		t.Fatalf("Scan(): %v", err)
	}
	return result
}

func TestScanEmptySnapshot(t *testing.T) {
	snap := &snapshot.Snapshot{Host: "node-a", Timestamp: scanTime()}
	result := mustScan(t, snap, nil, DefaultConfig())

	if !result.Empty() {
		t.Errorf("Scan(empty) produced findings: %+v", result)
	}
	if result.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", result.RiskScore)
	}
	if len(result.Recommendations) != 0 {
		t.Errorf("Recommendations = %v, want none", result.Recommendations)
	}
}

func TestScanRejectsMalformedSnapshot(t *testing.T) {
	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: scanTime(),
		Processes: []snapshot.ProcessRecord{{GPUIndex: 3, PID: 1, User: "x", Name: "y"}},
	}
	config := DefaultConfig()
	if _, err := Scan(snap, nil, &config); err == nil {
		t.Fatal("Scan(dangling gpu index) = nil error, want validation failure")
	}
}

func TestScanDetectsSustainedMiner(t *testing.T) {
	miner := snapshot.ProcessRecord{GPUIndex: 0, PID: 7001, User: "mallory", Name: "xmrig", UsedMemoryMB: 2048}
	history := sustainedHistory(t, miner, 99, 6)
	result := mustScan(t, hostSnapshot(t, 99, miner), history, DefaultConfig())

	if len(result.CryptoMiners) != 1 {
		t.Fatalf("CryptoMiners = %d, want 1", len(result.CryptoMiners))
	}
	finding := result.CryptoMiners[0]
	if finding.Confidence < DefaultConfig().MinConfidence {
		t.Errorf("Confidence = %v, want >= %v", finding.Confidence, DefaultConfig().MinConfidence)
	}
	if finding.Confidence > 1 {
		t.Errorf("Confidence = %v, want <= 1", finding.Confidence)
	}
	wantIndicators := []string{"known miner", "sustained", "hours"}
	for _, want := range wantIndicators {
		found := false
		for _, indicator := range finding.Indicators {
			if strings.Contains(indicator, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("Indicators %v missing one containing %q", finding.Indicators, want)
		}
	}
}

func TestWhitelistExcludesEntirely(t *testing.T) {
	// The name matches both the whitelist prefix and a mining
	// pattern; whitelist wins by design.
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7002, User: "mallory", Name: "tensorflow-hashcat", UsedMemoryMB: 60 * 1024}
	history := sustainedHistory(t, proc, 99, 30)
	result := mustScan(t, hostSnapshot(t, 99, proc), history, DefaultConfig())

	if !result.Empty() {
		t.Errorf("whitelisted process produced findings: %+v", result)
	}
	if result.RiskScore != 0 {
		t.Errorf("RiskScore = %v, want 0", result.RiskScore)
	}
}

func TestUserWhitelistExcludes(t *testing.T) {
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7003, User: "ROOT", Name: "xmrig", UsedMemoryMB: 2048}
	result := mustScan(t, hostSnapshot(t, 99, proc), sustainedHistory(t, proc, 99, 6), DefaultConfig())
	if !result.Empty() {
		t.Errorf("whitelisted user produced findings: %+v", result)
	}
}

func TestTransientSpikeIsNotSustained(t *testing.T) {
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7004, User: "mallory", Name: "cryptonight-worker", UsedMemoryMB: 2048}

	// Mostly idle history with one hot tick: the sustained indicator
	// must not fire.
	window := snapshot.NewHistoryWindow(0)
	for i, utilization := range []float64{10, 12, 99, 11, 9} {
		snap := hostSnapshot(t, utilization, proc)
		snap.Timestamp = scanTime().Add(time.Duration(i-5) * time.Minute)
		window.Append(snap)
	}

	result := mustScan(t, hostSnapshot(t, 10, proc), window, DefaultConfig())
	for _, miner := range result.CryptoMiners {
		for _, indicator := range miner.Indicators {
			if strings.Contains(indicator, "sustained") {
				t.Errorf("transient spike produced sustained indicator: %v", indicator)
			}
		}
	}
	for _, abuser := range result.ResourceAbusers {
		if abuser.AbuseType == AbuseExcessiveUtilization {
			t.Errorf("transient spike produced %v finding", abuser.AbuseType)
		}
	}
}

func TestFirstObservationHasZeroDuration(t *testing.T) {
	// Process present in the snapshot, absent from history: duration
	// rules must treat it as 0, not crash or fire.
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7005, User: "mallory", Name: "ethminer", UsedMemoryMB: 1024}
	result := mustScan(t, hostSnapshot(t, 50, proc), snapshot.NewHistoryWindow(0), DefaultConfig())

	for _, abuser := range result.ResourceAbusers {
		if abuser.AbuseType == AbuseLongRunning {
			t.Errorf("first observation produced LongRunning finding")
		}
	}
	for _, miner := range result.CryptoMiners {
		for _, indicator := range miner.Indicators {
			if strings.Contains(indicator, "hours") {
				t.Errorf("first observation contributed duration confidence: %v", miner.Indicators)
			}
		}
	}
}

func TestAbuseAxesAreIndependent(t *testing.T) {
	// Over memory AND duration AND sustained utilization: three
	// findings for one process.
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7006, User: "dave", Name: "simulator", UsedMemoryMB: 40 * 1024}
	history := sustainedHistory(t, proc, 99, 30)
	result := mustScan(t, hostSnapshot(t, 99, proc), history, DefaultConfig())

	types := map[AbuseType]bool{}
	for _, abuser := range result.ResourceAbusers {
		types[abuser.AbuseType] = true
		if abuser.Severity < 0 || abuser.Severity > 1 {
			t.Errorf("severity %v outside [0, 1]", abuser.Severity)
		}
	}
	for _, want := range []AbuseType{AbuseMemoryHog, AbuseLongRunning, AbuseExcessiveUtilization} {
		if !types[want] {
			t.Errorf("missing abuse finding %v (got %v)", want, types)
		}
	}
}

func TestRiskScoreBoundsAndRecommendationOrder(t *testing.T) {
	miner := snapshot.ProcessRecord{GPUIndex: 0, PID: 7007, User: "mallory", Name: "xmrig", UsedMemoryMB: 30 * 1024}
	history := sustainedHistory(t, miner, 99, 30)
	result := mustScan(t, hostSnapshot(t, 99, miner), history, DefaultConfig())

	if result.RiskScore <= 0 || result.RiskScore > 1 {
		t.Errorf("RiskScore = %v, want (0, 1]", result.RiskScore)
	}
	if len(result.Recommendations) == 0 {
		t.Fatal("no recommendations for non-empty result")
	}
	if !strings.Contains(result.Recommendations[0], "miners") {
		t.Errorf("first recommendation %q should be the miner one", result.Recommendations[0])
	}
}

func TestScanIsDeterministic(t *testing.T) {
	miner := snapshot.ProcessRecord{GPUIndex: 0, PID: 7008, User: "mallory", Name: "xmrig", UsedMemoryMB: 30 * 1024}
	history := sustainedHistory(t, miner, 99, 30)
	snap := hostSnapshot(t, 99, miner)
	config := DefaultConfig()

	first := mustScan(t, snap, history, config)
	second := mustScan(t, snap, history, config)
	if first.RiskScore != second.RiskScore ||
		len(first.CryptoMiners) != len(second.CryptoMiners) ||
		len(first.ResourceAbusers) != len(second.ResourceAbusers) {
		t.Errorf("repeated Scan() differed: %+v vs %+v", first, second)
	}
}

func TestRiskLevelMapping(t *testing.T) {
	cut := DefaultConfig().RiskCutpoints
	tests := []struct {
		confidence float64
		want       RiskLevel
	}{
		{0.95, RiskCritical},
		{0.9, RiskCritical},
		{0.8, RiskHigh},
		{0.6, RiskMedium},
		{0.4, RiskLow},
		{0.1, RiskLow},
	}
	for _, test := range tests {
		if got := cut.Level(test.confidence); got != test.want {
			t.Errorf("Level(%v) = %v, want %v", test.confidence, got, test.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(*Config)
		wantErr string
	}{
		{"negative_memory", func(c *Config) { c.MaxMemoryUsageGB = -1 }, "negative"},
		{"confidence_above_one", func(c *Config) { c.MinConfidence = 1.5 }, "outside [0, 1]"},
		{"utilization_above_100", func(c *Config) { c.MaxUtilizationPercent = 120 }, "above 100"},
		{"weight_out_of_range", func(c *Config) { c.Weights.KnownMinerName = 2 }, "weight"},
		{"cutpoints_not_descending", func(c *Config) { c.RiskCutpoints.High = 0.95 }, "strictly descending"},
		{"cutpoints_equal", func(c *Config) { c.RiskCutpoints.Medium = c.RiskCutpoints.High }, "strictly descending"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := DefaultConfig()
			test.corrupt(&config)
			err := config.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() = %q, want error containing %q", err, test.wantErr)
			}
		})
	}

	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Errorf("Validate(default) = %v, want nil", err)
	}
}

func TestSustainedSeverityIgnoresCurrentTickDip(t *testing.T) {
	// History sustained at 99% but the scan lands on an idle tick.
	// The finding's severity must come from the sustained samples,
	// not from the momentary dip.
	proc := snapshot.ProcessRecord{GPUIndex: 0, PID: 7010, User: "mallory", Name: "cryptonight-worker", UsedMemoryMB: 2048}
	history := sustainedHistory(t, proc, 99, 6)

	result := mustScan(t, hostSnapshot(t, 10, proc), history, DefaultConfig())

	var finding *ResourceAbuser
	for i, abuser := range result.ResourceAbusers {
		if abuser.AbuseType == AbuseExcessiveUtilization {
			finding = &result.ResourceAbusers[i]
		}
	}
	if finding == nil {
		t.Fatalf("sustained history produced no utilization finding: %+v", result.ResourceAbusers)
	}
	if finding.Severity <= 0 {
		t.Errorf("Severity = %v, want > 0 from the sustained 99%% samples", finding.Severity)
	}
	if !strings.Contains(finding.Evidence, "99.0%") {
		t.Errorf("Evidence = %q, want the sustained utilization, not the current tick", finding.Evidence)
	}
}
