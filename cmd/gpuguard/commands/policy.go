// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/gpuguard/cmd/gpuguard/cli"
	"github.com/bureau-foundation/gpuguard/lib/config"
	"github.com/bureau-foundation/gpuguard/lib/policy"
)

func policyCommand() *cli.Command {
	return &cli.Command{
		Name:    "policy",
		Summary: "List and edit resource policies",
		Description: "Policies live in the gpuguard config file. Edits made here are\n" +
			"validated against the policy store, then written back to the same\n" +
			"file. The monitor picks them up on its next start.",
		Subcommands: []*cli.Command{
			policyListCommand(),
			policyUserCommand(),
			policyGroupCommand(),
			policyGPUCommand(),
			policyTimeCommand(),
		},
	}
}

func policyListCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "list",
		Summary: "Show all configured policies",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := seedPolicies(cfg)
			if err != nil {
				return err
			}
			renderPolicies(os.Stdout, store.View())
			return nil
		},
	}
}

// mutatePolicies loads the config, applies the mutation, validates
// the result by seeding a fresh store, and saves it back. Nothing is
// written when the mutated policy set fails validation.
func mutatePolicies(configPath string, mutate func(*config.PoliciesConfig) error) error {
	cfg, path, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := mutate(&cfg.Policies); err != nil {
		return err
	}
	if err := cfg.Policies.Seed(policy.NewStore()); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	return nil
}

// limitFlags registers the shared per-user limit flags and returns a
// builder that converts the set values into a Limits, leaving unset
// dimensions unconstrained.
func limitFlags(flags *pflag.FlagSet) func() policy.Limits {
	memory := flags.Float64("memory-gb", 0, "maximum GPU memory in GB (0 means unlimited)")
	utilization := flags.Float64("utilization-pct", 0, "maximum sustained utilization percent (0 means unlimited)")
	duration := flags.Float64("duration-hours", 0, "maximum process runtime in hours (0 means unlimited)")
	processes := flags.Int("max-processes", 0, "maximum concurrent processes (0 means unlimited)")
	return func() policy.Limits {
		var limits policy.Limits
		if *memory > 0 {
			limits.MemoryGB = memory
		}
		if *utilization > 0 {
			limits.UtilizationPercent = utilization
		}
		if *duration > 0 {
			limits.DurationHours = duration
		}
		if *processes > 0 {
			limits.MaxProcesses = processes
		}
		return limits
	}
}

func policyUserCommand() *cli.Command {
	var configPath string
	var buildLimits func() policy.Limits

	add := &cli.Command{
		Name:    "add",
		Summary: "Add or replace a per-user policy",
		Usage:   "gpuguard policy user add <username> [flags]",
		Examples: []cli.Example{
			{
				Description: "Cap alice at 16 GB and 8 hour runs",
				Command:     "gpuguard policy user add alice --memory-gb 16 --duration-hours 8",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			buildLimits = limitFlags(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy user add <username>")
			}
			username := args[0]
			spec := policy.UserPolicy{Username: username, Limits: buildLimits()}
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				p.Users = slices.DeleteFunc(p.Users, func(u policy.UserPolicy) bool {
					return u.Username == username
				})
				p.Users = append(p.Users, spec)
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("user policy for %s saved\n", username)
			return nil
		},
	}

	remove := &cli.Command{
		Name:    "remove",
		Summary: "Remove a per-user policy",
		Usage:   "gpuguard policy user remove <username> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy user remove <username>")
			}
			username := args[0]
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				before := len(p.Users)
				p.Users = slices.DeleteFunc(p.Users, func(u policy.UserPolicy) bool {
					return u.Username == username
				})
				if len(p.Users) == before {
					return fmt.Errorf("no user policy for %q", username)
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("user policy for %s removed\n", username)
			return nil
		},
	}

	return &cli.Command{
		Name:        "user",
		Summary:     "Manage per-user limits",
		Subcommands: []*cli.Command{add, remove},
	}
}

// groupLimitFlags registers only the limit dimensions that are
// meaningful as group aggregates. Duration and utilization are
// per-session and per-device readings; the store rejects them on
// group policies.
func groupLimitFlags(flags *pflag.FlagSet) func() policy.Limits {
	memory := flags.Float64("memory-gb", 0, "maximum combined GPU memory in GB (0 means unlimited)")
	processes := flags.Int("max-processes", 0, "maximum combined concurrent processes (0 means unlimited)")
	return func() policy.Limits {
		var limits policy.Limits
		if *memory > 0 {
			limits.MemoryGB = memory
		}
		if *processes > 0 {
			limits.MaxProcesses = processes
		}
		return limits
	}
}

func policyGroupCommand() *cli.Command {
	var configPath string
	var members []string
	var buildLimits func() policy.Limits

	add := &cli.Command{
		Name:    "add",
		Summary: "Add or replace a group policy with aggregate limits",
		Usage:   "gpuguard policy group add <name> --members <user,...> [flags]",
		Examples: []cli.Example{
			{
				Description: "Cap the research team at 32 GB combined",
				Command:     "gpuguard policy group add research --members alice,bob --memory-gb 32",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringSliceVar(&members, "members", nil, "usernames in the group (required)")
			buildLimits = groupLimitFlags(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy group add <name>")
			}
			name := args[0]
			spec := policy.GroupPolicy{Name: name, Members: members, Aggregate: buildLimits()}
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				p.Groups = slices.DeleteFunc(p.Groups, func(g policy.GroupPolicy) bool {
					return g.Name == name
				})
				p.Groups = append(p.Groups, spec)
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("group policy %s saved\n", name)
			return nil
		},
	}

	remove := &cli.Command{
		Name:    "remove",
		Summary: "Remove a group policy",
		Usage:   "gpuguard policy group remove <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy group remove <name>")
			}
			name := args[0]
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				before := len(p.Groups)
				p.Groups = slices.DeleteFunc(p.Groups, func(g policy.GroupPolicy) bool {
					return g.Name == name
				})
				if len(p.Groups) == before {
					return fmt.Errorf("no group policy named %q", name)
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("group policy %s removed\n", name)
			return nil
		},
	}

	return &cli.Command{
		Name:        "group",
		Summary:     "Manage group aggregate limits",
		Subcommands: []*cli.Command{add, remove},
	}
}

func policyGPUCommand() *cli.Command {
	var configPath string
	var allowed, blocked []string
	var maxMemory, reserved, maxUtilization float64
	var maintenanceStart, maintenanceEnd, maintenanceMessage string

	add := &cli.Command{
		Name:    "add",
		Summary: "Add or replace a per-GPU policy",
		Usage:   "gpuguard policy gpu add <index> [flags]",
		Examples: []cli.Example{
			{
				Description: "Restrict GPU 0 to alice and bob with 4 GB reserved",
				Command:     "gpuguard policy gpu add 0 --allow alice,bob --reserved-gb 4",
			},
			{
				Description: "Schedule a nightly maintenance window on GPU 1",
				Command:     "gpuguard policy gpu add 1 --maintenance-start 02:00 --maintenance-end 04:00",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringSliceVar(&allowed, "allow", nil, "usernames allowed on this GPU (empty means everyone)")
			flags.StringSliceVar(&blocked, "block", nil, "usernames blocked from this GPU")
			flags.Float64Var(&maxMemory, "max-memory-gb", 0, "per-user memory cap on this GPU in GB (0 means unlimited)")
			flags.Float64Var(&reserved, "reserved-gb", 0, "memory reserved for system use in GB")
			flags.Float64Var(&maxUtilization, "max-utilization-pct", 0, "per-user utilization cap on this GPU (0 means unlimited)")
			flags.StringVar(&maintenanceStart, "maintenance-start", "", "maintenance window start, HH:MM")
			flags.StringVar(&maintenanceEnd, "maintenance-end", "", "maintenance window end, HH:MM")
			flags.StringVar(&maintenanceMessage, "maintenance-message", "", "message shown for maintenance violations")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy gpu add <index>")
			}
			var index int
			if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil || index < 0 {
				return fmt.Errorf("invalid GPU index %q", args[0])
			}
			if (maintenanceStart == "") != (maintenanceEnd == "") {
				return fmt.Errorf("--maintenance-start and --maintenance-end must be set together")
			}
			spec := config.GPUPolicySpec{
				GPUIndex:         index,
				AllowedUsers:     allowed,
				BlockedUsers:     blocked,
				ReservedMemoryGB: reserved,
			}
			if maxMemory > 0 {
				spec.MaxMemoryGB = &maxMemory
			}
			if maxUtilization > 0 {
				spec.MaxUtilizationPercent = &maxUtilization
			}
			if maintenanceStart != "" {
				spec.Maintenance = &config.MaintenanceSpec{
					Window:  config.WindowSpec{Start: maintenanceStart, End: maintenanceEnd},
					Message: maintenanceMessage,
				}
			}
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				p.GPUs = slices.DeleteFunc(p.GPUs, func(g config.GPUPolicySpec) bool {
					return g.GPUIndex == index
				})
				p.GPUs = append(p.GPUs, spec)
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("GPU %d policy saved\n", index)
			return nil
		},
	}

	remove := &cli.Command{
		Name:    "remove",
		Summary: "Remove a per-GPU policy",
		Usage:   "gpuguard policy gpu remove <index> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy gpu remove <index>")
			}
			var index int
			if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
				return fmt.Errorf("invalid GPU index %q", args[0])
			}
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				before := len(p.GPUs)
				p.GPUs = slices.DeleteFunc(p.GPUs, func(g config.GPUPolicySpec) bool {
					return g.GPUIndex == index
				})
				if len(p.GPUs) == before {
					return fmt.Errorf("no policy for GPU %d", index)
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("GPU %d policy removed\n", index)
			return nil
		},
	}

	return &cli.Command{
		Name:        "gpu",
		Summary:     "Manage per-GPU access and capacity policies",
		Subcommands: []*cli.Command{add, remove},
	}
}

func policyTimeCommand() *cli.Command {
	var configPath string
	var start, end string
	var days []int
	var buildLimits func() policy.Limits

	add := &cli.Command{
		Name:    "add",
		Summary: "Add or replace a time window policy",
		Usage:   "gpuguard policy time add <name> --start HH:MM --end HH:MM [flags]",
		Examples: []cli.Example{
			{
				Description: "Tighten memory limits during business hours on weekdays",
				Command:     "gpuguard policy time add business-hours --start 09:00 --end 17:00 --days 1,2,3,4,5 --memory-gb 8",
			},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			flags.StringVar(&start, "start", "", "window start, HH:MM (required)")
			flags.StringVar(&end, "end", "", "window end, HH:MM (required)")
			flags.IntSliceVar(&days, "days", nil, "weekdays the window applies, 0=Sunday (empty means every day)")
			buildLimits = limitFlags(flags)
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy time add <name>")
			}
			if start == "" || end == "" {
				return fmt.Errorf("--start and --end are required")
			}
			name := args[0]
			spec := config.TimePolicySpec{
				Name:   name,
				Window: config.WindowSpec{Start: start, End: end, Days: days},
				Limits: buildLimits(),
			}
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				p.Times = slices.DeleteFunc(p.Times, func(t config.TimePolicySpec) bool {
					return t.Name == name
				})
				p.Times = append(p.Times, spec)
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("time policy %s saved\n", name)
			return nil
		},
	}

	remove := &cli.Command{
		Name:    "remove",
		Summary: "Remove a time window policy",
		Usage:   "gpuguard policy time remove <name> [flags]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to gpuguard.yaml (defaults to GPUGUARD_CONFIG)")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: gpuguard policy time remove <name>")
			}
			name := args[0]
			if err := mutatePolicies(configPath, func(p *config.PoliciesConfig) error {
				before := len(p.Times)
				p.Times = slices.DeleteFunc(p.Times, func(t config.TimePolicySpec) bool {
					return t.Name == name
				})
				if len(p.Times) == before {
					return fmt.Errorf("no time policy named %q", name)
				}
				return nil
			}); err != nil {
				return err
			}
			fmt.Printf("time policy %s removed\n", name)
			return nil
		},
	}

	return &cli.Command{
		Name:        "time",
		Summary:     "Manage time window policies",
		Subcommands: []*cli.Command{add, remove},
	}
}
