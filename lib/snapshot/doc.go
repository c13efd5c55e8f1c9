// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot defines the shared input contract for the gpuguard
// decision engine: one point-in-time observation of all GPUs and
// GPU-using processes on a host ([Snapshot]), and a bounded
// time-ordered sequence of past observations ([HistoryWindow]) used to
// derive duration and sustained-usage signals that a single snapshot
// cannot express.
//
// Snapshots are produced by a polling collaborator implementing
// [Source] and are immutable after creation. Validate rejects
// malformed snapshots (dangling GPU references, negative usage,
// out-of-range utilization) before they reach any scoring or policy
// code, so a failed cycle surfaces as an explicit error rather than an
// empty result indistinguishable from "nothing found".
package snapshot
