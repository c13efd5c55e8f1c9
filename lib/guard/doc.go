// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard turns policy evaluations into enforcement intents.
//
// The coordinator is a state machine over two independent axes: the
// mode (dry-run or enforcing) and the enforcement level (soft and
// hard, independently switchable). Dry-run always yields simulated
// intents describing what would have happened; enforcing yields live
// intents only on the axes that are switched on. Violations whose
// axis is off are recorded in the rolling status but produce no
// intent.
//
// Toggling mode or level is a pure configuration mutation: it takes
// effect at the start of the next coordination cycle and never
// retroactively alters intents already emitted.
package guard
