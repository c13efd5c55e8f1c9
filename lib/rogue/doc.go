// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rogue is the rule-based threat scorer for shared GPU hosts.
// Scan classifies the processes of one snapshot, in the light of a
// bounded history window, into crypto-miner, suspicious-process, and
// resource-abuse findings, each carrying the evidence strings that
// produced it.
//
// All scoring is deterministic and operator-tunable: indicator weights,
// thresholds, pattern lists, and risk-level cut points live in
// [Config] and are validated before they reach the detector. There is
// no hidden state — Scan is a pure function of its inputs and safe to
// call concurrently with different snapshots.
package rogue
