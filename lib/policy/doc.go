// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy holds the four usage-policy kinds (user, group, GPU,
// time-window), the store that owns them, and the evaluator that turns
// one snapshot plus resolved limits into violations and warnings.
//
// The four kinds are optional overlays: absence of a policy for an
// entity means "no additional restriction from that axis", never
// "everything forbidden". When several applicable policies constrain
// the same resource dimension, the most restrictive numeric limit
// wins — a user policy can never be used to bypass a stricter GPU or
// time-window limit.
//
// The [Store] is the only shared mutable state: writes are validated
// and serialized under a single writer lock, and evaluation reads a
// snapshot-consistent copy so a policy update is never observed
// mid-change. Evaluate itself is deterministic and side-effect free;
// identical inputs yield identical output.
package policy
