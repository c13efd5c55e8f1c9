// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSnapshot is wrapped by every validation failure so callers
// can distinguish a rejected cycle from an evaluation error.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// GPUState is the observed state of one GPU at the snapshot instant.
// Index is unique per host and is the key ProcessRecord.GPUIndex
// refers to.
type GPUState struct {
	// Index is the host-local GPU index (nvidia-smi / DRM ordering).
	Index int `json:"index"`

	// Name is the marketing name reported by the driver
	// (e.g., "NVIDIA H100 80GB HBM3").
	Name string `json:"name"`

	// MemoryUsedMB and MemoryTotalMB are VRAM consumption and
	// capacity in MiB. Used never exceeds Total in a valid snapshot.
	MemoryUsedMB  int `json:"memory_used_mb"`
	MemoryTotalMB int `json:"memory_total_mb"`

	// UtilizationPercent is the GPU compute utilization (0-100).
	UtilizationPercent float64 `json:"utilization_percent"`

	// TemperatureCelsius is the die temperature in whole degrees.
	TemperatureCelsius int `json:"temperature_celsius"`

	// PowerWatts is the current package power draw.
	PowerWatts float64 `json:"power_watts"`
}

// ProcessRecord is one process observed on one GPU. A process that
// touches several GPUs appears once per GPU: (GPUIndex, PID) is the
// record identity, not PID alone.
type ProcessRecord struct {
	// GPUIndex refers to a GPUState.Index in the same snapshot.
	GPUIndex int `json:"gpu_index"`

	// PID is the host process ID.
	PID int `json:"pid"`

	// User is the username owning the process.
	User string `json:"user"`

	// Name is the process executable name (comm).
	Name string `json:"name"`

	// UsedMemoryMB is this process's VRAM consumption on GPUIndex.
	UsedMemoryMB int `json:"used_memory_mb"`

	// StartTime is when the process started, if the collaborator
	// could determine it. Zero when unknown.
	StartTime time.Time `json:"start_time,omitzero"`

	// Container is the container ID, empty for host processes.
	Container string `json:"container,omitempty"`
}

// Snapshot is one observation of every GPU and GPU-using process on a
// host. Read-only after creation; owned by the caller for the duration
// of one evaluation pass.
type Snapshot struct {
	Host      string          `json:"host"`
	Timestamp time.Time       `json:"timestamp"`
	GPUs      []GPUState      `json:"gpus"`
	Processes []ProcessRecord `json:"processes"`
}

// Validate checks the snapshot invariants. An error means the whole
// snapshot must be discarded: the engine never partially classifies a
// malformed observation.
func (s *Snapshot) Validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidSnapshot)
	}

	known := make(map[int]bool, len(s.GPUs))
	for i, gpu := range s.GPUs {
		if gpu.Index < 0 {
			return fmt.Errorf("%w: gpu %d: negative index %d", ErrInvalidSnapshot, i, gpu.Index)
		}
		if known[gpu.Index] {
			return fmt.Errorf("%w: duplicate gpu index %d", ErrInvalidSnapshot, gpu.Index)
		}
		known[gpu.Index] = true

		if gpu.MemoryTotalMB <= 0 {
			return fmt.Errorf("%w: gpu %d: total memory %d MB", ErrInvalidSnapshot, gpu.Index, gpu.MemoryTotalMB)
		}
		if gpu.MemoryUsedMB < 0 || gpu.MemoryUsedMB > gpu.MemoryTotalMB {
			return fmt.Errorf("%w: gpu %d: used memory %d MB outside [0, %d]",
				ErrInvalidSnapshot, gpu.Index, gpu.MemoryUsedMB, gpu.MemoryTotalMB)
		}
		if gpu.UtilizationPercent < 0 || gpu.UtilizationPercent > 100 {
			return fmt.Errorf("%w: gpu %d: utilization %.1f%% outside [0, 100]",
				ErrInvalidSnapshot, gpu.Index, gpu.UtilizationPercent)
		}
	}

	for i, proc := range s.Processes {
		if !known[proc.GPUIndex] {
			return fmt.Errorf("%w: process %d (pid %d): dangling gpu index %d",
				ErrInvalidSnapshot, i, proc.PID, proc.GPUIndex)
		}
		if proc.PID <= 0 {
			return fmt.Errorf("%w: process %d: pid %d", ErrInvalidSnapshot, i, proc.PID)
		}
		if proc.UsedMemoryMB < 0 {
			return fmt.Errorf("%w: process %d (pid %d): negative memory %d MB",
				ErrInvalidSnapshot, i, proc.PID, proc.UsedMemoryMB)
		}
	}

	return nil
}

// GPU returns the GPUState with the given index, or nil if the
// snapshot does not contain it.
func (s *Snapshot) GPU(index int) *GPUState {
	for i := range s.GPUs {
		if s.GPUs[i].Index == index {
			return &s.GPUs[i]
		}
	}
	return nil
}

// ProcessKey identifies a process across history samples. Host
// disambiguates records aggregated from several nodes; it is empty in
// single-host operation.
type ProcessKey struct {
	Host     string
	GPUIndex int
	PID      int
}

// Key returns the history grouping key for a process record observed
// in this snapshot.
func (s *Snapshot) Key(proc ProcessRecord) ProcessKey {
	return ProcessKey{Host: s.Host, GPUIndex: proc.GPUIndex, PID: proc.PID}
}
