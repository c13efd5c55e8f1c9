// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/config"
	"github.com/bureau-foundation/gpuguard/lib/guard"
	"github.com/bureau-foundation/gpuguard/lib/policy"
	"github.com/bureau-foundation/gpuguard/lib/rogue"
)

func guardCommand() *cli.Command {
	return &cli.Command{
		Name:    "guard",
		Summary: "Inspect and control enforcement",
		Subcommands: []*cli.Command{
			guardStatusCommand(),
			guardEnableCommand(),
			guardDisableCommand(),
			guardDryRunCommand(),
			guardTestCommand(),
		},
	}
}

func guardStatusCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "status",
		Summary: "Show enforcement mode, levels, and policy counts",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			policyStore, err := seedPolicies(cfg)
			if err != nil {
				return err
			}
			coordinator := guard.NewCoordinator(policyStore, cfg.Enforcement.Settings(), guard.Options{
				RecentCapacity: cfg.Enforcement.RecentCapacity,
			})
			renderStatus(os.Stdout, coordinator.Status())
			return nil
		},
	}
}

// mutateEnforcement loads the config, applies the mutation, and saves
// it back to the same file.
func mutateEnforcement(configPath string, mutate func(*config.EnforcementConfig)) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	mutate(&cfg.Enforcement)
	if err := cfg.Save(path); err != nil {
		return err
	}
	return nil
}

func guardEnableCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "enable",
		Summary: "Enable the guard (takes effect on the next monitor cycle)",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("enable", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if err := mutateEnforcement(configPath, func(e *config.EnforcementConfig) {
				e.Enabled = true
			}); err != nil {
				return err
			}
			fmt.Println("guard enabled")
			return nil
		},
	}
}

func guardDisableCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "disable",
		Summary: "Disable the guard entirely",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("disable", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if err := mutateEnforcement(configPath, func(e *config.EnforcementConfig) {
				e.Enabled = false
			}); err != nil {
				return err
			}
			fmt.Println("guard disabled")
			return nil
		},
	}
}

func guardDryRunCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "dry-run",
		Summary: "Switch dry-run on or off",
		Usage:   "gpuguard guard dry-run (on|off) [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("dry-run", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
				return fmt.Errorf("usage: gpuguard guard dry-run (on|off)")
			}
			dryRun := args[0] == "on"
			if err := mutateEnforcement(configPath, func(e *config.EnforcementConfig) {
				e.DryRun = dryRun
			}); err != nil {
				return err
			}
			fmt.Printf("dry-run %s\n", args[0])
			return nil
		},
	}
}

func guardTestCommand() *cli.Command {
	var configPath string
	var snapshotPath string
	return &cli.Command{
		Name:    "test",
		Summary: "Preview enforcement against a snapshot without executing anything",
		Description: "Test runs the full evaluator and coordinator pipeline with the\n" +
			"mode forced to dry-run, regardless of the configured mode, so the\n" +
			"consequences of enabling enforcement can be previewed safely.",
		Examples: []cli.Example{
			{
				Description: "Preview what the current policies would do",
				Command:     "gpuguard guard test --snapshot /run/gpuguard/snapshot.json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringVar(&snapshotPath, "snapshot", "", "path to the snapshot JSON file (required)")
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

			logger := cli.NewCommandLogger().With("command", "guard/test")
			store, err := openAudit(cfg, clock.Real(), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			policyStore, err := seedPolicies(cfg)
			if err != nil {
				return err
			}

			ctx := context.Background()
			snap, err := newFileSource(snapshotPath, cfg.Monitor.Host).Poll(ctx)
			if err != nil {
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

			coordinator := guard.NewCoordinator(policyStore, cfg.Enforcement.Settings(), guard.Options{
				RecentCapacity: cfg.Enforcement.RecentCapacity,
			})
			intents := coordinator.Test(eval)

			renderScan(os.Stdout, result, cfg.Detector.RiskCutpoints)
			rule(os.Stdout)
			renderEvaluation(os.Stdout, eval)
			rule(os.Stdout)
			renderIntents(os.Stdout, intents)
			return nil
		},
	}
}
