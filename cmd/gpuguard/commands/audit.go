// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
	"github.com/bureau-foundation/gpuguard/lib/clock"
)

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:    "audit",
		Summary: "Maintain and export the audit database",
		Subcommands: []*cli.Command{
			auditPruneCommand(),
			auditExportCommand(),
		},
	}
}

func auditPruneCommand() *cli.Command {
	var configPath string
	var olderThan time.Duration
	return &cli.Command{
		Name:    "prune",
		Summary: "Delete audit records older than the retention period",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("prune", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.DurationVar(&olderThan, "older-than", 0, "override the configured retention period (e.g. 168h)")
			return flags
		},
		Run: func(args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			retention := cfg.Audit.Retention()
			if olderThan > 0 {
				retention = olderThan
			}

			logger := cli.NewCommandLogger().With("command", "audit/prune")
			store, err := openAudit(cfg, clock.Real(), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Prune(context.Background(), retention)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d rows older than %s\n", removed, retention)
			return nil
		},
	}
}

func auditExportCommand() *cli.Command {
	var configPath string
	var host string
	var outPath string
	var since time.Duration
	return &cli.Command{
		Name:    "export",
		Summary: "Export audit snapshots as a zstd-compressed CBOR stream",
		Examples: []cli.Example{
			{
				Description: "Export the last week of snapshots for this host",
				Command:     "gpuguard audit export --since 168h --out snapshots.cbor.zst",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringVar(&host, "host", "", "host to export (defaults to the configured host)")
			flags.StringVar(&outPath, "out", "", "output file (defaults to stdout)")
			flags.DurationVar(&since, "since", 0, "only export snapshots newer than this age (0 means everything)")
			return flags
		},
		Run: func(args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if host == "" {
				host = cfg.Monitor.Host
			}

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("creating %s: %w", outPath, err)
				}
				defer f.Close()
				out = f
			}

			logger := cli.NewCommandLogger().With("command", "audit/export")
			store, err := openAudit(cfg, clock.Real(), logger)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Time{}
			if since > 0 {
				cutoff = time.Now().Add(-since)
			}
			if err := store.Export(context.Background(), out, host, cutoff); err != nil {
				return err
			}
			if outPath != "" {
				fmt.Fprintf(os.Stderr, "exported snapshots for %s to %s\n", host, outPath)
			}
			return nil
		},
	}
}
