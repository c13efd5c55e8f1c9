// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
	"github.com/bureau-foundation/gpuguard/lib/clock"
	"github.com/bureau-foundation/gpuguard/lib/rogue"
)

func scanCommand() *cli.Command {
	var configPath string
	var snapshotPath string
	var jsonOutput bool
	var record bool

	return &cli.Command{
		Name:    "scan",
		Summary: "Scan a snapshot for crypto miners, suspicious processes, and resource abuse",
		Description: "Scan reads the current GPU snapshot, reconstructs the history\n" +
			"window from the audit log, and runs the threat detector.",
		Examples: []cli.Example{
			{
				Description: "Scan the snapshot written by the polling agent",
				Command:     "gpuguard scan --config /etc/gpuguard.yaml --snapshot /run/gpuguard/snapshot.json",
			},
			{
				Description: "Machine-readable output for tooling",
				Command:     "gpuguard scan --snapshot snapshot.json --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("scan", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringVar(&snapshotPath, "snapshot", "", "path to the snapshot JSON file (required)")
			flags.BoolVar(&jsonOutput, "json", false, "emit the raw scan result as JSON")
			flags.BoolVar(&record, "record", false, "append the snapshot to the audit log before scanning")
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

			logger := cli.NewCommandLogger().With("command", "scan")
			store, err := openAudit(cfg, clock.Real(), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			source := newFileSource(snapshotPath, cfg.Monitor.Host)
			snap, err := source.Poll(ctx)
			if err != nil {
				return err
			}

			if record {
				if err := store.Record(ctx, snap); err != nil {
					return err
				}
			}

			window, err := store.Window(ctx, snap.Host, cfg.Monitor.Lookback())
			if err != nil {
				return err
			}

			result, err := rogue.Scan(snap, window, &cfg.Detector)
			if err != nil {
				return err
			}

			if jsonOutput {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(result)
			}
			renderScan(os.Stdout, result, cfg.Detector.RiskCutpoints)
			return nil
		},
	}
}
