// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

var auditStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "audit.db"),
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return store
}

func testSnapshot(host string, at time.Time, pid int, usedMB int) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Host:      host,
		Timestamp: at,
		GPUs: []snapshot.GPUState{
			{
				Index:              0,
				Name:               "A100",
				MemoryUsedMB:       usedMB,
				MemoryTotalMB:      40960,
				UtilizationPercent: 85,
				TemperatureCelsius: 70,
				PowerWatts:         300,
			},
		},
		Processes: []snapshot.ProcessRecord{
			{GPUIndex: 0, PID: pid, User: "alice", Name: "python", UsedMemoryMB: usedMB},
		},
	}
}

func TestRecordAndWindow(t *testing.T) {
	fake := clock.Fake(auditStart)
	store := openTestStore(t, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		at := auditStart.Add(time.Duration(i) * 10 * time.Minute)
		if err := store.Record(ctx, testSnapshot("node-a", at, 1001, 4096)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	// A different host must not leak into node-a's window.
	if err := store.Record(ctx, testSnapshot("node-b", auditStart, 2002, 1024)); err != nil {
		t.Fatalf("Record node-b: %v", err)
	}

	fake.Advance(20 * time.Minute)
	window, err := store.Window(ctx, "node-a", time.Hour)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if window.Len() != 3 {
		t.Fatalf("window holds %d samples, want 3", window.Len())
	}

	key := snapshot.ProcessKey{Host: "node-a", GPUIndex: 0, PID: 1001}
	if got := window.ProcessDuration(key); got != 20*time.Minute {
		t.Fatalf("process duration = %v, want 20m", got)
	}
	fraction, count := window.SustainedFraction(key, 80)
	if fraction != 1 || count != 3 {
		t.Fatalf("sustained fraction = %v over %d samples, want 1 over 3", fraction, count)
	}
}

func TestWindowLookbackExcludesOldSamples(t *testing.T) {
	fake := clock.Fake(auditStart)
	store := openTestStore(t, fake)
	ctx := context.Background()

	if err := store.Record(ctx, testSnapshot("node-a", auditStart.Add(-2*time.Hour), 1001, 4096)); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, testSnapshot("node-a", auditStart, 1001, 4096)); err != nil {
		t.Fatal(err)
	}

	window, err := store.Window(ctx, "node-a", time.Hour)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if window.Len() != 1 {
		t.Fatalf("window holds %d samples, want only the recent one", window.Len())
	}
}

func TestRecordRejectsMalformedSnapshot(t *testing.T) {
	store := openTestStore(t, clock.Fake(auditStart))
	snap := testSnapshot("node-a", auditStart, 1001, 4096)
	snap.Processes[0].GPUIndex = 9
	if err := store.Record(context.Background(), snap); err == nil {
		t.Fatal("malformed snapshot must not be recorded")
	}
	window, err := store.Window(context.Background(), "node-a", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if window.Len() != 0 {
		t.Fatal("rejected snapshot left samples behind")
	}
}

func TestPrune(t *testing.T) {
	fake := clock.Fake(auditStart)
	store := openTestStore(t, fake)
	ctx := context.Background()

	if err := store.Record(ctx, testSnapshot("node-a", auditStart, 1001, 4096)); err != nil {
		t.Fatal(err)
	}
	fake.Advance(48 * time.Hour)
	recent := testSnapshot("node-a", auditStart.Add(48*time.Hour), 1001, 4096)
	if err := store.Record(ctx, recent); err != nil {
		t.Fatal(err)
	}

	// One sample row and one snapshot row are older than a day.
	removed, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("pruned %d rows, want 2", removed)
	}

	window, err := store.Window(ctx, "node-a", 72*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if window.Len() != 1 {
		t.Fatalf("window holds %d samples after prune, want 1", window.Len())
	}
}

func TestExportRoundTrip(t *testing.T) {
	fake := clock.Fake(auditStart)
	store := openTestStore(t, fake)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		at := auditStart.Add(time.Duration(i) * time.Hour)
		if err := store.Record(ctx, testSnapshot("node-a", at, 1001, 4096)); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := store.Export(ctx, &buf, "node-a", time.Time{}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	snapshots, err := ReadExport(&buf)
	if err != nil {
		t.Fatalf("ReadExport: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("export holds %d snapshots, want 2", len(snapshots))
	}
	if snapshots[0].Host != "node-a" || len(snapshots[0].Processes) != 1 {
		t.Fatalf("unexpected first snapshot %+v", snapshots[0])
	}
	if !snapshots[0].Timestamp.Equal(auditStart) {
		t.Fatalf("first snapshot at %v, want %v (oldest first)", snapshots[0].Timestamp, auditStart)
	}

	// Exporting from a cutoff drops the older snapshot.
	buf.Reset()
	if err := store.Export(ctx, &buf, "node-a", auditStart.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}
	snapshots, err = ReadExport(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("cutoff export holds %d snapshots, want 1", len(snapshots))
	}
}
