// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
	"github.com/bureau-foundation/gpuguard/lib/audit"
	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/config"
	"github.com/bureau-foundation/gpuguard/lib/guard"
	"github.com/bureau-foundation/gpuguard/lib/policy"
	"github.com/bureau-foundation/gpuguard/lib/rogue"
	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

func monitorCommand() *cli.Command {
	var configPath string
	var snapshotPath string
	var once bool

	return &cli.Command{
		Name:    "monitor",
		Summary: "Run the monitoring loop: poll, audit, detect, evaluate, enforce",
		Description: "Monitor polls the snapshot file on the configured interval and\n" +
			"runs the full pipeline each tick: record to the audit log, scan for\n" +
			"rogue workloads, evaluate policies, and coordinate enforcement.",
		Examples: []cli.Example{
			{
				Description: "Run until interrupted",
				Command:     "gpuguard monitor --config /etc/gpuguard.yaml --snapshot /run/gpuguard/snapshot.json",
			},
			{
				Description: "Single cycle, for cron or debugging",
				Command:     "gpuguard monitor --snapshot snapshot.json --once",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringVar(&snapshotPath, "snapshot", "", "path to the snapshot JSON file (required)")
			flags.BoolVar(&once, "once", false, "run a single cycle and exit")
			return flags
		},
		Run: func(args []string) error {
			if snapshotPath == "" {
				return fmt.Errorf("--snapshot is required")
			}
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runMonitor(cfg, snapshotPath, once)
		},
	}
}

func runMonitor(cfg *config.Config, snapshotPath string, once bool) error {
	logger := cli.NewCommandLogger().With("command", "monitor", "host", cfg.Monitor.Host)
	clk := clock.Real()

	store, err := openAudit(cfg, clk, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	policyStore, err := seedPolicies(cfg)
	if err != nil {
		return err
	}

	coordinator := guard.NewCoordinator(policyStore, cfg.Enforcement.Settings(), guard.Options{
		RecentCapacity: cfg.Enforcement.RecentCapacity,
		Clock:          clk,
		Logger:         logger,
	})

	source := newFileSource(snapshotPath, cfg.Monitor.Host)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("monitor starting",
		"interval", cfg.Monitor.PollInterval.Std(),
		"lookback", cfg.Monitor.Lookback(),
		"dry_run", cfg.Enforcement.DryRun)

	if err := runCycle(ctx, cfg, source, store, policyStore, coordinator, logger); err != nil {
		logger.Error("cycle failed", "error", err)
		if once {
			return err
		}
	}
	if once {
		return nil
	}

	ticker := clk.NewTicker(cfg.Monitor.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor stopping")
			return nil
		case <-ticker.C:
			if err := runCycle(ctx, cfg, source, store, policyStore, coordinator, logger); err != nil {
				// A failed cycle is logged and retried next tick;
				// transient poller hiccups must not kill the loop.
				logger.Error("cycle failed", "error", err)
			}
		}
	}
}

func runCycle(
	ctx context.Context,
	cfg *config.Config,
	source snapshot.Source,
	store *audit.Store,
	policyStore *policy.Store,
	coordinator *guard.Coordinator,
	logger *slog.Logger,
) error {
	snap, err := source.Poll(ctx)
	if err != nil {
		return err
	}

	if err := store.Record(ctx, snap); err != nil {
		return err
	}

	window, err := store.Window(ctx, snap.Host, cfg.Monitor.Lookback())
	if err != nil {
		return err
	}

	result, err := rogue.Scan(snap, window, &cfg.Detector)
	if err != nil {
		return err
	}

	eval, err := policy.Evaluate(snap, window, policyStore, nil)
	if err != nil {
		return err
	}

	intents := coordinator.Coordinate(eval)

	logger.Info("cycle complete",
		"gpus", len(snap.GPUs),
		"processes", len(snap.Processes),
		"risk_score", result.RiskScore,
		"miners", len(result.CryptoMiners),
		"suspicious", len(result.SuspiciousProcesses),
		"abusers", len(result.ResourceAbusers),
		"violations", len(eval.Violations),
		"warnings", len(eval.Warnings),
		"intents", len(intents))

	for _, intent := range intents {
		if intent.Simulated {
			continue
		}
		// Live intents go to the process-control collaborator; until
		// one is wired in, surface them prominently in the log.
		logger.Warn("live enforcement intent",
			"action", intent.Action,
			"user", intent.User,
			"reason", intent.Reason)
	}
	return nil
}
