// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/bureau-foundation/gpuguard/lib/guard"
	"github.com/bureau-foundation/gpuguard/lib/policy"
	"github.com/bureau-foundation/gpuguard/lib/rogue"
)

// Colors use lipgloss ANSI 256-color codes for broad terminal
// compatibility.
var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	faintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("70"))
	lowStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("70"))
	mediumStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	highStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	criticalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func severityStyle(severity policy.Severity) lipgloss.Style {
	switch severity {
	case policy.SeverityCritical:
		return criticalStyle
	case policy.SeverityHigh:
		return highStyle
	case policy.SeverityMedium:
		return mediumStyle
	default:
		return lowStyle
	}
}

func riskStyle(level rogue.RiskLevel) lipgloss.Style {
	switch level {
	case rogue.RiskCritical:
		return criticalStyle
	case rogue.RiskHigh:
		return highStyle
	case rogue.RiskMedium:
		return mediumStyle
	default:
		return lowStyle
	}
}

// rule prints a horizontal separator sized to the terminal, capped for
// very wide windows.
func rule(w io.Writer) {
	width := 72
	if cols, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && cols > 0 && cols < width {
		width = cols
	}
	fmt.Fprintln(w, faintStyle.Render(strings.Repeat("─", width)))
}

func renderScan(w io.Writer, result *rogue.Result, cutpoints rogue.RiskCutpoints) {
	level := cutpoints.Level(result.RiskScore)
	fmt.Fprintf(w, "%s %s (score %.2f)\n",
		headerStyle.Render("Overall risk:"),
		riskStyle(level).Render(strings.ToUpper(string(level))),
		result.RiskScore)

	total := len(result.CryptoMiners) + len(result.SuspiciousProcesses) + len(result.ResourceAbusers)
	if total == 0 {
		fmt.Fprintln(w, okStyle.Render("No findings."))
		return
	}

	if len(result.CryptoMiners) > 0 {
		rule(w)
		fmt.Fprintln(w, headerStyle.Render("Crypto miners"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  PID\tUSER\tPROCESS\tGPU\tCONFIDENCE\tINDICATORS")
		for _, miner := range result.CryptoMiners {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%.2f\t%s\n",
				miner.Process.PID, miner.Process.User, miner.Process.Name,
				miner.Process.GPUIndex, miner.Confidence,
				strings.Join(miner.Indicators, "; "))
		}
		tw.Flush()
	}

	if len(result.SuspiciousProcesses) > 0 {
		rule(w)
		fmt.Fprintln(w, headerStyle.Render("Suspicious processes"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  PID\tUSER\tPROCESS\tGPU\tRISK\tREASONS")
		for _, suspect := range result.SuspiciousProcesses {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n",
				suspect.Process.PID, suspect.Process.User, suspect.Process.Name,
				suspect.Process.GPUIndex,
				riskStyle(suspect.RiskLevel).Render(string(suspect.RiskLevel)),
				strings.Join(suspect.Reasons, "; "))
		}
		tw.Flush()
	}

	if len(result.ResourceAbusers) > 0 {
		rule(w)
		fmt.Fprintln(w, headerStyle.Render("Resource abuse"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  PID\tUSER\tPROCESS\tGPU\tTYPE\tSEVERITY\tEVIDENCE")
		for _, abuser := range result.ResourceAbusers {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%.2f\t%s\n",
				abuser.Process.PID, abuser.Process.User, abuser.Process.Name,
				abuser.Process.GPUIndex, abuser.AbuseType, abuser.Severity,
				abuser.Evidence)
		}
		tw.Flush()
	}

	if len(result.Recommendations) > 0 {
		rule(w)
		fmt.Fprintln(w, headerStyle.Render("Recommendations"))
		for _, recommendation := range result.Recommendations {
			fmt.Fprintf(w, "  • %s\n", recommendation)
		}
	}
}

func renderEvaluation(w io.Writer, eval *policy.Evaluation) {
	if len(eval.Violations) == 0 && len(eval.Warnings) == 0 {
		fmt.Fprintln(w, okStyle.Render("No policy violations."))
		return
	}

	if len(eval.Violations) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Violations"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  SEVERITY\tUSER\tKIND\tPOLICY\tDETAIL")
		for _, violation := range eval.Violations {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
				severityStyle(violation.Severity).Render(string(violation.Severity)),
				violation.User, violation.Kind, violation.PolicyName, violation.Message)
		}
		tw.Flush()
	}

	if len(eval.Warnings) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Warnings"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "  USER\tKIND\tPOLICY\tDETAIL")
		for _, warning := range eval.Warnings {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n",
				warning.User, warning.Kind, warning.PolicyName, warning.Message)
		}
		tw.Flush()
	}
}

func renderIntents(w io.Writer, intents []guard.Intent) {
	if len(intents) == 0 {
		fmt.Fprintln(w, faintStyle.Render("No enforcement intents."))
		return
	}
	fmt.Fprintln(w, headerStyle.Render("Enforcement intents"))
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "  ACTION\tMODE\tUSER\tTARGET\tREASON")
	for _, intent := range intents {
		mode := "live"
		if intent.Simulated {
			mode = faintStyle.Render("simulated")
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			intent.Action, mode, intent.User, intentTarget(intent), intent.Reason)
	}
	tw.Flush()
}

func intentTarget(intent guard.Intent) string {
	switch {
	case intent.ProcessPID != nil:
		return fmt.Sprintf("pid %d", *intent.ProcessPID)
	case intent.GPUID != nil:
		return fmt.Sprintf("gpu %d", *intent.GPUID)
	default:
		return "-"
	}
}

func renderStatus(w io.Writer, status guard.Status) {
	onOff := func(on bool) string {
		if on {
			return okStyle.Render("on")
		}
		return faintStyle.Render("off")
	}

	fmt.Fprintln(w, headerStyle.Render("Guard status"))
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "  enabled\t%s\n", onOff(status.Enabled))
	mode := "enforcing"
	if status.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(tw, "  mode\t%s\n", mode)
	fmt.Fprintf(tw, "  soft enforcement\t%s\n", onOff(status.SoftEnforcement))
	fmt.Fprintf(tw, "  hard enforcement\t%s\n", onOff(status.HardEnforcement))
	fmt.Fprintf(tw, "  policies\t%d user, %d group, %d gpu, %d time\n",
		status.PolicyCounts.Users, status.PolicyCounts.Groups,
		status.PolicyCounts.GPUs, status.PolicyCounts.Times)
	fmt.Fprintf(tw, "  violations seen\t%d\n", status.TotalViolations)
	fmt.Fprintf(tw, "  warnings seen\t%d\n", status.TotalWarnings)
	tw.Flush()
}

func renderPolicies(w io.Writer, view *policy.View) {
	if len(view.Users)+len(view.Groups)+len(view.GPUs)+len(view.Times) == 0 {
		fmt.Fprintln(w, faintStyle.Render("No policies configured."))
		return
	}

	formatLimits := func(limits policy.Limits) string {
		var parts []string
		if limits.MemoryGB != nil {
			parts = append(parts, fmt.Sprintf("mem %.1f GB", *limits.MemoryGB))
		}
		if limits.UtilizationPercent != nil {
			parts = append(parts, fmt.Sprintf("util %.0f%%", *limits.UtilizationPercent))
		}
		if limits.DurationHours != nil {
			parts = append(parts, fmt.Sprintf("duration %.1f h", *limits.DurationHours))
		}
		if limits.MaxProcesses != nil {
			parts = append(parts, fmt.Sprintf("procs %d", *limits.MaxProcesses))
		}
		if len(parts) == 0 {
			return "unconstrained"
		}
		return strings.Join(parts, ", ")
	}

	if len(view.Users) > 0 {
		fmt.Fprintln(w, headerStyle.Render("User policies"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, user := range view.Users {
			fmt.Fprintf(tw, "  %s\t%s\n", user.Username, formatLimits(user.Limits))
		}
		tw.Flush()
	}
	if len(view.Groups) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Group policies"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, group := range view.Groups {
			fmt.Fprintf(tw, "  %s\tmembers: %s\taggregate: %s\n",
				group.Name, strings.Join(group.Members, ","), formatLimits(group.Aggregate))
		}
		tw.Flush()
	}
	if len(view.GPUs) > 0 {
		fmt.Fprintln(w, headerStyle.Render("GPU policies"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, gpu := range view.GPUs {
			var parts []string
			if len(gpu.AllowedUsers) > 0 {
				parts = append(parts, "allowed: "+strings.Join(gpu.AllowedUsers, ","))
			}
			if len(gpu.BlockedUsers) > 0 {
				parts = append(parts, "blocked: "+strings.Join(gpu.BlockedUsers, ","))
			}
			if gpu.MaxMemoryGB != nil {
				parts = append(parts, fmt.Sprintf("max %.1f GB (reserved %.1f)", *gpu.MaxMemoryGB, gpu.ReservedMemoryGB))
			}
			if gpu.MaxUtilizationPercent != nil {
				parts = append(parts, fmt.Sprintf("util %.0f%%", *gpu.MaxUtilizationPercent))
			}
			if gpu.Maintenance != nil {
				parts = append(parts, "maintenance: "+gpu.Maintenance.Window.String())
			}
			if len(parts) == 0 {
				parts = append(parts, "unconstrained")
			}
			fmt.Fprintf(tw, "  gpu %d\t%s\n", gpu.GPUIndex, strings.Join(parts, "; "))
		}
		tw.Flush()
	}
	if len(view.Times) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Time policies"))
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, window := range view.Times {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n",
				window.Name, window.Window.String(), formatLimits(window.Limits))
		}
		tw.Flush()
	}
}
