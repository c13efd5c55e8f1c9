// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
	"github.com/bureau-foundation/gpuguard/lib/timewindow"
)

var evalTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// singleUserSnapshot puts one user with one process on GPU 0.
func singleUserSnapshot(user string, usedMB int) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: evalTime,
		GPUs: []snapshot.GPUState{
			{Index: 0, Name: "A100", MemoryUsedMB: usedMB, MemoryTotalMB: 40960, UtilizationPercent: 50},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 0, PID: 1001, User: user, Name: "python", UsedMemoryMB: usedMB},
		},
	}
}

func mustEvaluate(t *testing.T, snap *snapshot.Snapshot, store *Store) *Evaluation {
	t.Helper()
	eval, err := Evaluate(snap, nil, store, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return eval
}

func violationsOfKind(eval *Evaluation, kind ViolationKind) []Violation {
	var out []Violation
	for _, v := range eval.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func TestEvaluateMemoryLimitExceeded(t *testing.T) {
	store := NewStore()
	if err := store.SetUserPolicy(UserPolicy{Username: "alice", Limits: Limits{MemoryGB: floatPtr(8)}}); err != nil {
		t.Fatal(err)
	}

	eval := mustEvaluate(t, singleUserSnapshot("alice", 10*1024), store)

	memory := violationsOfKind(eval, MemoryLimitExceeded)
	if len(memory) != 1 {
		t.Fatalf("got %d memory violations, want exactly 1: %+v", len(memory), eval.Violations)
	}
	v := memory[0]
	if v.User != "alice" || v.Observed != 10 || v.Limit != 8 {
		t.Fatalf("violation %+v does not describe alice's 10 GB over an 8 GB limit", v)
	}
	if v.Severity != SeverityMedium {
		t.Fatalf("25%% overage is SeverityMedium, got %s", v.Severity)
	}
	if v.GPUID == nil || *v.GPUID != 0 {
		t.Fatalf("violation must name GPU 0, got %+v", v.GPUID)
	}
	if v.ProcessPID == nil || *v.ProcessPID != 1001 {
		t.Fatalf("violation must name the responsible process, got %+v", v.ProcessPID)
	}
	if len(eval.Warnings) != 0 {
		t.Fatalf("a breach is not also a warning: %+v", eval.Warnings)
	}
}

func TestEvaluateWithinLimitNoFindings(t *testing.T) {
	store := NewStore()
	if err := store.SetUserPolicy(UserPolicy{Username: "alice", Limits: Limits{MemoryGB: floatPtr(8)}}); err != nil {
		t.Fatal(err)
	}
	eval := mustEvaluate(t, singleUserSnapshot("alice", 4*1024), store)
	if len(eval.Violations) != 0 || len(eval.Warnings) != 0 {
		t.Fatalf("4 GB under an 8 GB limit must be clean, got %+v / %+v", eval.Violations, eval.Warnings)
	}
}

func TestEvaluateWarningNearLimit(t *testing.T) {
	store := NewStore()
	if err := store.SetUserPolicy(UserPolicy{Username: "alice", Limits: Limits{MemoryGB: floatPtr(10)}}); err != nil {
		t.Fatal(err)
	}

	// 8.5 GB against 10 GB: past the 80% warning line, under the limit.
	eval := mustEvaluate(t, singleUserSnapshot("alice", 8704), store)
	if len(eval.Violations) != 0 {
		t.Fatalf("under the limit must not violate: %+v", eval.Violations)
	}
	if len(eval.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(eval.Warnings))
	}
	w := eval.Warnings[0]
	if w.Kind != MemoryLimitExceeded || w.User != "alice" || w.Limit != 10 {
		t.Fatalf("unexpected warning %+v", w)
	}
}

func TestEvaluateUnauthorizedAccess(t *testing.T) {
	store := NewStore()
	if err := store.SetGPUPolicy(GPUPolicy{GPUIndex: 1, AllowedUsers: []string{"bob"}}); err != nil {
		t.Fatal(err)
	}

	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: evalTime,
		GPUs: []snapshot.GPUState{
			{Index: 1, Name: "A100", MemoryUsedMB: 2048, MemoryTotalMB: 40960, UtilizationPercent: 30},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 1, PID: 2002, User: "carol", Name: "python", UsedMemoryMB: 2048},
		},
	}

	eval := mustEvaluate(t, snap, store)
	access := violationsOfKind(eval, UnauthorizedGPUAccess)
	if len(access) != 1 {
		t.Fatalf("got %d access violations, want 1: %+v", len(access), eval.Violations)
	}
	if access[0].Severity != SeverityCritical {
		t.Fatalf("access violations are always critical, got %s", access[0].Severity)
	}
	if access[0].User != "carol" {
		t.Fatalf("violation attributed to %q, want carol", access[0].User)
	}
}

func TestEvaluateGroupAggregate(t *testing.T) {
	store := NewStore()
	if err := store.SetGroupPolicy(GroupPolicy{
		Name:      "research",
		Members:   []string{"alice", "bob"},
		Aggregate: Limits{MemoryGB: floatPtr(32)},
	}); err != nil {
		t.Fatal(err)
	}

	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: evalTime,
		GPUs: []snapshot.GPUState{
			{Index: 0, Name: "A100", MemoryUsedMB: 20 * 1024, MemoryTotalMB: 81920, UtilizationPercent: 60},
			{Index: 1, Name: "A100", MemoryUsedMB: 15 * 1024, MemoryTotalMB: 81920, UtilizationPercent: 40},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 0, PID: 100, User: "alice", Name: "train", UsedMemoryMB: 20 * 1024},
			{GPUIndex: 1, PID: 200, User: "bob", Name: "train", UsedMemoryMB: 15 * 1024},
		},
	}

	eval := mustEvaluate(t, snap, store)
	memory := violationsOfKind(eval, MemoryLimitExceeded)
	if len(memory) != 1 {
		t.Fatalf("got %d memory violations, want 1 aggregate breach: %+v", len(memory), eval.Violations)
	}
	v := memory[0]
	if v.User != "research" || v.Observed != 35 || v.Limit != 32 {
		t.Fatalf("aggregate violation %+v does not describe 35 GB over 32 GB for group research", v)
	}
	if v.GPUID != nil {
		t.Fatal("an aggregate breach spans GPUs and must not name one")
	}
}

func TestEvaluateGroupMemberAloneUnderAggregate(t *testing.T) {
	store := NewStore()
	if err := store.SetGroupPolicy(GroupPolicy{
		Name:      "research",
		Members:   []string{"alice", "bob"},
		Aggregate: Limits{MemoryGB: floatPtr(32)},
	}); err != nil {
		t.Fatal(err)
	}
	// A single member at 20 GB is fine: the aggregate implies no
	// per-member sub-limit.
	eval := mustEvaluate(t, singleUserSnapshot("alice", 20*1024), store)
	if len(eval.Violations) != 0 {
		t.Fatalf("20 GB under a 32 GB aggregate must be clean: %+v", eval.Violations)
	}
}

func TestEvaluateGPUTotalAttributedToHeaviest(t *testing.T) {
	store := NewStore()
	if err := store.SetGPUPolicy(GPUPolicy{
		GPUIndex:         0,
		MaxMemoryGB:      floatPtr(20),
		ReservedMemoryGB: 2,
	}); err != nil {
		t.Fatal(err)
	}

	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: evalTime,
		GPUs: []snapshot.GPUState{
			{Index: 0, Name: "A100", MemoryUsedMB: 20 * 1024, MemoryTotalMB: 40960, UtilizationPercent: 70},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 0, PID: 100, User: "alice", Name: "train", UsedMemoryMB: 12 * 1024},
			{GPUIndex: 0, PID: 200, User: "bob", Name: "train", UsedMemoryMB: 8 * 1024},
		},
	}

	eval := mustEvaluate(t, snap, store)

	var total *Violation
	for i, v := range eval.Violations {
		if v.Kind == MemoryLimitExceeded && v.Limit == 18 {
			total = &eval.Violations[i]
		}
	}
	if total == nil {
		t.Fatalf("no whole-GPU memory violation against the 18 GB usable cap: %+v", eval.Violations)
	}
	if total.User != "alice" || total.ProcessPID == nil || *total.ProcessPID != 100 {
		t.Fatalf("whole-GPU breach must name the heaviest consumer, got %+v", total)
	}
}

func TestEvaluateMaintenanceWindow(t *testing.T) {
	window, err := timewindow.Parse("10:00", "14:00", nil)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore()
	if err := store.SetGPUPolicy(GPUPolicy{
		GPUIndex:    0,
		Maintenance: &MaintenanceWindow{Window: window, Message: "driver upgrade"},
	}); err != nil {
		t.Fatal(err)
	}

	eval := mustEvaluate(t, singleUserSnapshot("alice", 1024), store)
	maint := violationsOfKind(eval, MaintenanceWindowActive)
	if len(maint) != 1 {
		t.Fatalf("noon falls inside 10:00-14:00, want 1 maintenance violation: %+v", eval.Violations)
	}
	if maint[0].Severity != SeverityCritical {
		t.Fatalf("maintenance violations are critical, got %s", maint[0].Severity)
	}

	// Outside the window the same snapshot is clean.
	late := singleUserSnapshot("alice", 1024)
	late.Timestamp = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)
	eval = mustEvaluate(t, late, store)
	if len(eval.Violations) != 0 {
		t.Fatalf("16:00 is outside the window: %+v", eval.Violations)
	}
}

func TestEvaluateSeverityBuckets(t *testing.T) {
	tests := []struct {
		observed float64
		want     Severity
	}{
		{observed: 8.1, want: SeverityLow},      // ~1% over
		{observed: 10.5, want: SeverityMedium},  // ~31% over
		{observed: 12.5, want: SeverityHigh},    // ~56% over
		{observed: 15, want: SeverityCritical},  // ~88% over
		{observed: 100, want: SeverityCritical}, // far past the top bucket
	}
	for _, tt := range tests {
		got := overageSeverity(tt.observed, 8)
		if got != tt.want {
			t.Errorf("overageSeverity(%v, 8) = %s, want %s", tt.observed, got, tt.want)
		}
	}
	if got := overageSeverity(1, 0); got != SeverityCritical {
		t.Errorf("any breach of a zero limit is critical, got %s", got)
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	store := NewStore()
	if err := store.SetUserPolicy(UserPolicy{Username: "alice", Limits: Limits{MemoryGB: floatPtr(8)}}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetUserPolicy(UserPolicy{Username: "bob", Limits: Limits{MemoryGB: floatPtr(8)}}); err != nil {
		t.Fatal(err)
	}

	snap := &snapshot.Snapshot{
		Host:      "node-a",
		Timestamp: evalTime,
		GPUs: []snapshot.GPUState{
			{Index: 0, Name: "A100", MemoryUsedMB: 24 * 1024, MemoryTotalMB: 40960, UtilizationPercent: 80},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 0, PID: 300, User: "bob", Name: "train", UsedMemoryMB: 12 * 1024},
			{GPUIndex: 0, PID: 100, User: "alice", Name: "train", UsedMemoryMB: 12 * 1024},
		},
	}

	first := mustEvaluate(t, snap, store)
	for i := 0; i < 5; i++ {
		again := mustEvaluate(t, snap, store)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\nfirst: %+v\nagain: %+v", i, first, again)
		}
	}
	if len(first.Violations) != 2 {
		t.Fatalf("want one violation per user, got %+v", first.Violations)
	}
	if first.Violations[0].User != "alice" || first.Violations[1].User != "bob" {
		t.Fatalf("violations must be ordered by user: %+v", first.Violations)
	}
	if first.Violations[0].ID == first.Violations[1].ID {
		t.Fatal("distinct breaches must have distinct IDs")
	}
}

func TestEvaluateMalformedSnapshot(t *testing.T) {
	snap := singleUserSnapshot("alice", 1024)
	snap.Processes[0].GPUIndex = 7 // no such GPU
	if _, err := Evaluate(snap, nil, NewStore(), nil); err == nil {
		t.Fatal("a malformed snapshot must fail the whole evaluation")
	}
}

func TestEvaluateSoleConsumerOverGPUCapDistinctIDs(t *testing.T) {
	store := NewStore()
	if err := store.SetGPUPolicy(GPUPolicy{
		GPUIndex:    0,
		MaxMemoryGB: floatPtr(10),
	}); err != nil {
		t.Fatal(err)
	}

	// alice alone is over the device cap, so both the per-pair check
	// (the cap merged into her effective limits) and the device-total
	// check fire. They must carry distinct IDs.
	eval := mustEvaluate(t, singleUserSnapshot("alice", 12*1024), store)

	memory := violationsOfKind(eval, MemoryLimitExceeded)
	if len(memory) != 2 {
		t.Fatalf("got %d memory violations, want pair + device total: %+v", len(memory), memory)
	}
	if memory[0].ID == memory[1].ID {
		t.Fatalf("pair and device-total breaches share ID %q", memory[0].ID)
	}
	seen := map[string]bool{}
	for _, v := range memory {
		seen[v.ID] = true
	}
	if !seen["memory_limit_exceeded/alice/gpu0/pid1001"] {
		t.Errorf("missing pair-scoped ID, got %v", seen)
	}
	if !seen["memory_limit_exceeded/alice/gpu0/pid1001/total"] {
		t.Errorf("missing device-total ID, got %v", seen)
	}
}
