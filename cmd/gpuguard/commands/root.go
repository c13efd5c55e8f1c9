// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
)

// Root returns the top-level gpuguard command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "gpuguard",
		Summary: "GPU sharing guard: rogue workload detection and usage policy enforcement",
		Description: "gpuguard watches GPU snapshots for crypto miners, suspicious\n" +
			"processes, and resource abuse, evaluates usage policies, and turns\n" +
			"violations into enforcement intents.",
		Subcommands: []*cli.Command{
			scanCommand(),
			monitorCommand(),
			guardCommand(),
			policyCommand(),
			auditCommand(),
		},
	}
}
