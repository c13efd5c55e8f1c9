// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/gpuguard/lib/audit"
	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/config"
	"github.com/bureau-foundation/gpuguard/lib/policy"
)

// loadConfig resolves the configuration file: the --config flag wins,
// then the GPUGUARD_CONFIG environment variable. Returns the loaded
// config and the resolved path so mutating commands can save back.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("GPUGUARD_CONFIG")
	}
	if path == "" {
		return nil, "", fmt.Errorf("no configuration: pass --config or set GPUGUARD_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	if cfg.Monitor.Host == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, "", fmt.Errorf("monitor.host not set and hostname lookup failed: %w", err)
		}
		cfg.Monitor.Host = hostname
	}
	return cfg, path, nil
}

// openAudit opens the configured audit store.
func openAudit(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*audit.Store, error) {
	return audit.Open(audit.Config{
		Path:     cfg.Audit.Path,
		PoolSize: cfg.Audit.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
}

// seedPolicies builds a policy store from the config's policy section.
func seedPolicies(cfg *config.Config) (*policy.Store, error) {
	store := policy.NewStore()
	if err := cfg.Policies.Seed(store); err != nil {
		return nil, err
	}
	return store, nil
}
