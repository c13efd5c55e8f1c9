// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability. Production code accepts a Clock parameter instead of
// calling time.Now or time.NewTicker directly; Real() provides the
// standard library behavior and Fake() a deterministic clock that
// advances only when Advance is called.
//
// gpuguard's evaluation pipeline is pure with respect to supplied
// timestamps, so only the monitor loop and the enforcement
// coordinator take a Clock: the loop for its tick cadence, the
// coordinator for stamping violations and status updates.
package clock
