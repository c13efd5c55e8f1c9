// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"time"
)

// Sample is one historical observation of a process: the process
// record plus the state of the GPU it ran on at that instant.
type Sample struct {
	Timestamp          time.Time
	Process            ProcessRecord
	GPUUtilization     float64
	GPUMemoryUsedMB    int
	GPUTemperatureC    int
	GPUPowerWatts      float64
	Host               string
}

// HistoryWindow is a bounded, time-ordered view of past observations
// covering a configurable lookback. It is append-only; entries age out
// by timestamp, never by count. The zero value is an empty window with
// no lookback bound.
//
// A HistoryWindow is not safe for concurrent mutation; the engine's
// callers append between evaluation cycles and hand the window to
// Scan/Evaluate read-only.
type HistoryWindow struct {
	lookback time.Duration
	samples  []Sample
}

// NewHistoryWindow creates a window retaining samples newer than
// lookback relative to the most recently appended sample. A zero or
// negative lookback disables age-out.
func NewHistoryWindow(lookback time.Duration) *HistoryWindow {
	return &HistoryWindow{lookback: lookback}
}

// Append adds every process observation in snap to the window, then
// ages out samples older than the lookback. Samples must be appended
// in timestamp order; out-of-order appends are accepted but age-out is
// driven by the newest timestamp seen.
func (w *HistoryWindow) Append(snap *Snapshot) {
	for _, proc := range snap.Processes {
		sample := Sample{
			Timestamp: snap.Timestamp,
			Process:   proc,
			Host:      snap.Host,
		}
		if gpu := snap.GPU(proc.GPUIndex); gpu != nil {
			sample.GPUUtilization = gpu.UtilizationPercent
			sample.GPUMemoryUsedMB = gpu.MemoryUsedMB
			sample.GPUTemperatureC = gpu.TemperatureCelsius
			sample.GPUPowerWatts = gpu.PowerWatts
		}
		w.samples = append(w.samples, sample)
	}
	w.ageOut(snap.Timestamp)
}

// AppendSamples adds pre-built samples (e.g., reconstructed from the
// audit log) and ages out against the newest timestamp among them.
func (w *HistoryWindow) AppendSamples(samples []Sample) {
	if len(samples) == 0 {
		return
	}
	newest := samples[0].Timestamp
	for _, sample := range samples {
		if sample.Timestamp.After(newest) {
			newest = sample.Timestamp
		}
		w.samples = append(w.samples, sample)
	}
	w.ageOut(newest)
}

func (w *HistoryWindow) ageOut(now time.Time) {
	if w.lookback <= 0 {
		return
	}
	cutoff := now.Add(-w.lookback)
	kept := w.samples[:0]
	for _, sample := range w.samples {
		if !sample.Timestamp.Before(cutoff) {
			kept = append(kept, sample)
		}
	}
	// Release aged-out tails so the backing array does not pin them.
	for i := len(kept); i < len(w.samples); i++ {
		w.samples[i] = Sample{}
	}
	w.samples = kept
}

// Len returns the number of retained samples.
func (w *HistoryWindow) Len() int { return len(w.samples) }

// ProcessSamples returns the retained samples for one process, in
// append order. Returns nil for a process never seen before.
func (w *HistoryWindow) ProcessSamples(key ProcessKey) []Sample {
	var out []Sample
	for _, sample := range w.samples {
		if sample.Host == key.Host &&
			sample.Process.GPUIndex == key.GPUIndex &&
			sample.Process.PID == key.PID {
			out = append(out, sample)
		}
	}
	return out
}

// ProcessDuration returns how long the process has been observed: the
// span from its first to its last retained sample. A process absent
// from history (first-ever observation) has duration zero.
func (w *HistoryWindow) ProcessDuration(key ProcessKey) time.Duration {
	samples := w.ProcessSamples(key)
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0].Timestamp, samples[0].Timestamp
	for _, sample := range samples[1:] {
		if sample.Timestamp.Before(first) {
			first = sample.Timestamp
		}
		if sample.Timestamp.After(last) {
			last = sample.Timestamp
		}
	}
	return last.Sub(first)
}

// SustainedFraction returns the fraction of the process's retained
// samples whose GPU utilization exceeds the threshold, and the sample
// count it was computed over. Zero samples yields fraction 0.
func (w *HistoryWindow) SustainedFraction(key ProcessKey, utilizationThreshold float64) (float64, int) {
	samples := w.ProcessSamples(key)
	if len(samples) == 0 {
		return 0, 0
	}
	over := 0
	for _, sample := range samples {
		if sample.GPUUtilization > utilizationThreshold {
			over++
		}
	}
	return float64(over) / float64(len(samples)), len(samples)
}

// UserBaselineMemoryMB returns the user's average per-sample process
// memory across the window, and whether the user has any history at
// all. Used to judge whether current usage is anomalous for that user.
func (w *HistoryWindow) UserBaselineMemoryMB(user string) (float64, bool) {
	total, count := 0, 0
	for _, sample := range w.samples {
		if sample.Process.User == user {
			total += sample.Process.UsedMemoryMB
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return float64(total) / float64(count), true
}

// UserSessionDuration returns the observed span of any activity by the
// user on the given GPU, for policy duration checks that have no
// per-process start time.
func (w *HistoryWindow) UserSessionDuration(host string, user string, gpuIndex int) time.Duration {
	var first, last time.Time
	for _, sample := range w.samples {
		if sample.Host != host || sample.Process.User != user || sample.Process.GPUIndex != gpuIndex {
			continue
		}
		if first.IsZero() || sample.Timestamp.Before(first) {
			first = sample.Timestamp
		}
		if sample.Timestamp.After(last) {
			last = sample.Timestamp
		}
	}
	if first.IsZero() {
		return 0
	}
	return last.Sub(first)
}
