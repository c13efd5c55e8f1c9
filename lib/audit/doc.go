// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit persists GPU snapshots to a local SQLite database and
// reconstructs the history windows the detector and evaluator consume.
//
// Each recorded snapshot lands as one row per process (flattened with
// the state of the GPU it ran on) plus one deterministic CBOR blob of
// the whole snapshot. The flattened rows feed Window, which rebuilds a
// snapshot.HistoryWindow for a host and lookback; the blobs feed
// Export, which writes a zstd-compressed CBOR stream for offline
// analysis.
//
// The log is append-only. Prune is the only deletion path and works
// strictly by age.
package audit
