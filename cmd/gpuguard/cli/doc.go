// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the gpuguard command framework: a declarative
// command tree with synthesized help, typo suggestions for unknown
// commands and flags, and structured logging setup shared by every
// subcommand.
package cli
