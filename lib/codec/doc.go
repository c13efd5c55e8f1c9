// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for audit snapshot
// blobs and exports.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical snapshot always produces identical bytes, so audit rows and
// exported streams are stable across runs and safe to compare or
// deduplicate. Decoding accepts standard CBOR and ignores unknown
// fields for forward compatibility.
package codec
