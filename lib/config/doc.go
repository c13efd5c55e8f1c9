// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for gpuguard.
//
// Configuration is loaded from a single YAML file specified by:
//   - GPUGUARD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery, and environment
// variables never override file values. This ensures deterministic,
// auditable configuration with no hidden overrides.
package config
