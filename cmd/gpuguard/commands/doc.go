// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the gpuguard command tree: scanning for
// rogue workloads, policy management, enforcement control, the
// monitoring loop, and audit log maintenance.
package commands
