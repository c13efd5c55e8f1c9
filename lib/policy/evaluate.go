// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// ViolationKind names the breached dimension.
type ViolationKind string

const (
	MemoryLimitExceeded      ViolationKind = "memory_limit_exceeded"
	UtilizationLimitExceeded ViolationKind = "utilization_limit_exceeded"
	DurationLimitExceeded    ViolationKind = "duration_limit_exceeded"
	TooManyProcesses         ViolationKind = "too_many_processes"
	UnauthorizedGPUAccess    ViolationKind = "unauthorized_gpu_access"
	MaintenanceWindowActive  ViolationKind = "maintenance_window_active"
)

// Severity buckets how far over the limit the observation is. Access
// violations are always Critical regardless of any numeric overage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for enforcement decisions.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// Violation is one actionable policy breach. IDs are deterministic
// functions of the breach identity so that identical inputs produce
// byte-identical evaluations.
type Violation struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user"`
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	Message    string        `json:"message"`
	PolicyName string        `json:"policy_name"`
	Observed   float64       `json:"observed"`
	Limit      float64       `json:"limit"`

	// GPUID is the affected GPU index; nil when the breach is not
	// GPU-scoped (e.g., a group aggregate).
	GPUID *int `json:"gpu_id,omitempty"`

	// ProcessPID is the representative process; nil for aggregate
	// breaches with no single responsible process.
	ProcessPID *int `json:"process_pid,omitempty"`
}

// Warning is a near-breach: usage at or above the warning fraction of
// a limit but not yet over it. Informational only, never an
// enforcement trigger.
type Warning struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user"`
	Kind       ViolationKind `json:"kind"`
	Message    string        `json:"message"`
	PolicyName string        `json:"policy_name"`
	Observed   float64       `json:"observed"`
	Limit      float64       `json:"limit"`
	GPUID      *int          `json:"gpu_id,omitempty"`
}

// Evaluation is the classification of one snapshot against one policy
// view. Deterministic: violations and warnings are ordered by user,
// GPU, then kind.
type Evaluation struct {
	Timestamp  time.Time   `json:"timestamp"`
	Violations []Violation `json:"violations"`
	Warnings   []Warning   `json:"warnings"`
}

// EvaluateOptions tune the evaluator.
type EvaluateOptions struct {
	// WarningFraction is the share of a limit at which a Warning
	// fires (default 0.8). Must be in (0, 1).
	WarningFraction float64
}

func (o *EvaluateOptions) withDefaults() EvaluateOptions {
	out := EvaluateOptions{WarningFraction: 0.8}
	if o != nil && o.WarningFraction > 0 && o.WarningFraction < 1 {
		out.WarningFraction = o.WarningFraction
	}
	return out
}

// Evaluate classifies every (user, gpu) pair in the snapshot against
// the resolved effective limits, then checks group aggregates and
// GPU-wide caps. It has no side effects and is safe to call
// concurrently with distinct snapshots against the same store.
func Evaluate(snap *snapshot.Snapshot, history *snapshot.HistoryWindow, store *Store, opts *EvaluateOptions) (*Evaluation, error) {
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	if history == nil {
		history = snapshot.NewHistoryWindow(0)
	}
	options := opts.withDefaults()
	view := store.View()

	eval := &Evaluation{Timestamp: snap.Timestamp}
	evaluatePairs(snap, history, view, options, eval)
	evaluateGroups(snap, view, options, eval)
	evaluateGPUTotals(snap, view, options, eval)
	return eval, nil
}

// pairUsage is the observed usage of one user on one GPU.
type pairUsage struct {
	user         string
	gpuIndex     int
	memoryMB     int
	processCount int
	// representative is the heaviest process of the pair, used to
	// attach a PID to pair-scoped violations.
	representative snapshot.ProcessRecord
}

// collectPairs groups the snapshot's processes into (user, gpu) pairs,
// sorted by user then GPU for deterministic output.
func collectPairs(snap *snapshot.Snapshot) []pairUsage {
	type key struct {
		user string
		gpu  int
	}
	byPair := make(map[key]*pairUsage)
	for _, proc := range snap.Processes {
		k := key{user: proc.User, gpu: proc.GPUIndex}
		pair, ok := byPair[k]
		if !ok {
			pair = &pairUsage{user: proc.User, gpuIndex: proc.GPUIndex, representative: proc}
			byPair[k] = pair
		}
		pair.memoryMB += proc.UsedMemoryMB
		pair.processCount++
		if proc.UsedMemoryMB > pair.representative.UsedMemoryMB {
			pair.representative = proc
		}
	}

	pairs := make([]pairUsage, 0, len(byPair))
	for _, pair := range byPair {
		pairs = append(pairs, *pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].user != pairs[j].user {
			return pairs[i].user < pairs[j].user
		}
		return pairs[i].gpuIndex < pairs[j].gpuIndex
	})
	return pairs
}

func evaluatePairs(snap *snapshot.Snapshot, history *snapshot.HistoryWindow, view *View, options EvaluateOptions, eval *Evaluation) {
	for _, pair := range collectPairs(snap) {
		effective := view.Resolve(pair.user, pair.gpuIndex, snap.Timestamp)
		gpuID := pair.gpuIndex
		pid := pair.representative.PID

		if effective.AccessDenied {
			eval.Violations = append(eval.Violations, Violation{
				ID:         violationID(UnauthorizedGPUAccess, pair.user, &gpuID, &pid),
				Timestamp:  snap.Timestamp,
				User:       pair.user,
				Kind:       UnauthorizedGPUAccess,
				Severity:   SeverityCritical,
				Message:    effective.AccessReason,
				PolicyName: fmt.Sprintf("gpu:%d", pair.gpuIndex),
				Observed:   1,
				Limit:      0,
				GPUID:      &gpuID,
				ProcessPID: &pid,
			})
			// Access itself is the violation; numeric limits from
			// other axes still apply below.
		}

		if effective.Maintenance != "" {
			eval.Violations = append(eval.Violations, Violation{
				ID:         violationID(MaintenanceWindowActive, pair.user, &gpuID, &pid),
				Timestamp:  snap.Timestamp,
				User:       pair.user,
				Kind:       MaintenanceWindowActive,
				Severity:   SeverityCritical,
				Message:    fmt.Sprintf("GPU %d is in a maintenance window: %s", pair.gpuIndex, effective.Maintenance),
				PolicyName: fmt.Sprintf("gpu:%d", pair.gpuIndex),
				Observed:   1,
				Limit:      0,
				GPUID:      &gpuID,
				ProcessPID: &pid,
			})
		}

		memoryGB := float64(pair.memoryMB) / 1024
		if effective.Limits.MemoryGB != nil {
			checkDimension(eval, options, dimensionCheck{
				kind:       MemoryLimitExceeded,
				user:       pair.user,
				gpuID:      &gpuID,
				pid:        &pid,
				observed:   memoryGB,
				limit:      *effective.Limits.MemoryGB,
				timestamp:  snap.Timestamp,
				policyName: sourceList(effective),
				format:     "user %s on GPU %d: memory %.1f GB against limit %.1f GB",
				formatArgs: []any{pair.user, pair.gpuIndex},
			})
		}

		if effective.Limits.UtilizationPercent != nil {
			if gpu := snap.GPU(pair.gpuIndex); gpu != nil {
				checkDimension(eval, options, dimensionCheck{
					kind:       UtilizationLimitExceeded,
					user:       pair.user,
					gpuID:      &gpuID,
					pid:        &pid,
					observed:   gpu.UtilizationPercent,
					limit:      *effective.Limits.UtilizationPercent,
					timestamp:  snap.Timestamp,
					policyName: sourceList(effective),
					format:     "user %s on GPU %d: utilization %.1f%% against limit %.1f%%",
					formatArgs: []any{pair.user, pair.gpuIndex},
				})
			}
		}

		if effective.Limits.MaxProcesses != nil {
			checkDimension(eval, options, dimensionCheck{
				kind:       TooManyProcesses,
				user:       pair.user,
				gpuID:      &gpuID,
				pid:        &pid,
				observed:   float64(pair.processCount),
				limit:      float64(*effective.Limits.MaxProcesses),
				timestamp:  snap.Timestamp,
				policyName: sourceList(effective),
				format:     "user %s on GPU %d: %.0f processes against limit %.0f",
				formatArgs: []any{pair.user, pair.gpuIndex},
			})
		}

		if effective.Limits.DurationHours != nil {
			observed := history.UserSessionDuration(snap.Host, pair.user, pair.gpuIndex).Hours()
			checkDimension(eval, options, dimensionCheck{
				kind:       DurationLimitExceeded,
				user:       pair.user,
				gpuID:      &gpuID,
				pid:        &pid,
				observed:   observed,
				limit:      *effective.Limits.DurationHours,
				timestamp:  snap.Timestamp,
				policyName: sourceList(effective),
				format:     "user %s on GPU %d: session %.1f hours against limit %.1f hours",
				formatArgs: []any{pair.user, pair.gpuIndex},
			})
		}
	}
}

// evaluateGroups checks each group policy's aggregate limits against
// the combined usage of its members. The aggregate implies no
// per-member sub-limit: only the sum is judged.
func evaluateGroups(snap *snapshot.Snapshot, view *View, options EvaluateOptions, eval *Evaluation) {
	for _, group := range view.Groups {
		members := make(map[string]bool, len(group.Members))
		for _, member := range group.Members {
			members[member] = true
		}

		totalMemoryMB, processCount := 0, 0
		for _, proc := range snap.Processes {
			if members[proc.User] {
				totalMemoryMB += proc.UsedMemoryMB
				processCount++
			}
		}
		if processCount == 0 {
			continue
		}

		if group.Aggregate.MemoryGB != nil {
			checkDimension(eval, options, dimensionCheck{
				kind:       MemoryLimitExceeded,
				user:       group.Name,
				observed:   float64(totalMemoryMB) / 1024,
				limit:      *group.Aggregate.MemoryGB,
				timestamp:  snap.Timestamp,
				policyName: "group:" + group.Name,
				format:     "group %s: aggregate memory %.1f GB against limit %.1f GB",
				formatArgs: []any{group.Name},
			})
		}
		if group.Aggregate.MaxProcesses != nil {
			checkDimension(eval, options, dimensionCheck{
				kind:       TooManyProcesses,
				user:       group.Name,
				observed:   float64(processCount),
				limit:      float64(*group.Aggregate.MaxProcesses),
				timestamp:  snap.Timestamp,
				policyName: "group:" + group.Name,
				format:     "group %s: %.0f processes against limit %.0f",
				formatArgs: []any{group.Name},
			})
		}
	}
}

// evaluateGPUTotals checks GPU policies' whole-device caps (memory
// minus the reserved floor) against total usage across all users,
// attributing the violation to the heaviest consumer.
func evaluateGPUTotals(snap *snapshot.Snapshot, view *View, options EvaluateOptions, eval *Evaluation) {
	for _, gpuPolicy := range view.GPUs {
		if gpuPolicy.MaxMemoryGB == nil {
			continue
		}
		var totalMB int
		var heaviest *snapshot.ProcessRecord
		for i, proc := range snap.Processes {
			if proc.GPUIndex != gpuPolicy.GPUIndex {
				continue
			}
			totalMB += proc.UsedMemoryMB
			if heaviest == nil || proc.UsedMemoryMB > heaviest.UsedMemoryMB {
				heaviest = &snap.Processes[i]
			}
		}
		if heaviest == nil {
			continue
		}

		gpuID := gpuPolicy.GPUIndex
		pid := heaviest.PID
		usable := *gpuPolicy.MaxMemoryGB - gpuPolicy.ReservedMemoryGB
		// The "/total" scope keeps this device-wide breach's ID
		// distinct from the heaviest consumer's own pair-scoped
		// memory check, which fires against the same cap when that
		// user is the sole consumer.
		checkDimension(eval, options, dimensionCheck{
			kind:       MemoryLimitExceeded,
			user:       heaviest.User,
			gpuID:      &gpuID,
			pid:        &pid,
			idScope:    "total",
			observed:   float64(totalMB) / 1024,
			limit:      usable,
			timestamp:  snap.Timestamp,
			policyName: fmt.Sprintf("gpu:%d", gpuPolicy.GPUIndex),
			format:     "GPU %d total memory %.1f GB against usable limit %.1f GB",
			formatArgs: []any{gpuPolicy.GPUIndex},
		})
	}
}

// dimensionCheck carries one observed-vs-limit comparison.
type dimensionCheck struct {
	kind  ViolationKind
	user  string
	gpuID *int
	pid   *int
	// idScope distinguishes checks of the same kind against the same
	// (user, gpu, pid) identity, e.g. a device-total cap versus the
	// user's own pair limit. Empty for the common case.
	idScope    string
	observed   float64
	limit      float64
	timestamp  time.Time
	policyName string
	// format's verbs consume formatArgs, then observed, then limit.
	format     string
	formatArgs []any
}

// checkDimension appends a Violation when observed exceeds the limit,
// a Warning when observed is within the warning fraction of it, and
// nothing otherwise.
func checkDimension(eval *Evaluation, options EvaluateOptions, check dimensionCheck) {
	args := append(append([]any{}, check.formatArgs...), check.observed, check.limit)
	message := fmt.Sprintf(check.format, args...)

	id := violationID(check.kind, check.user, check.gpuID, check.pid)
	if check.idScope != "" {
		id += "/" + check.idScope
	}

	switch {
	case check.observed > check.limit:
		eval.Violations = append(eval.Violations, Violation{
			ID:         id,
			Timestamp:  check.timestamp,
			User:       check.user,
			Kind:       check.kind,
			Severity:   overageSeverity(check.observed, check.limit),
			Message:    message,
			PolicyName: check.policyName,
			Observed:   check.observed,
			Limit:      check.limit,
			GPUID:      check.gpuID,
			ProcessPID: check.pid,
		})
	case check.limit > 0 && check.observed >= check.limit*options.WarningFraction:
		eval.Warnings = append(eval.Warnings, Warning{
			ID:         id + "/warning",
			Timestamp:  check.timestamp,
			User:       check.user,
			Kind:       check.kind,
			Message:    message,
			PolicyName: check.policyName,
			Observed:   check.observed,
			Limit:      check.limit,
			GPUID:      check.gpuID,
		})
	}
}

// overageSeverity buckets the normalized overage
// min(1, (observed-limit)/limit) into the four severities. A zero
// limit breached at all is maximally severe.
func overageSeverity(observed, limit float64) Severity {
	if limit <= 0 {
		return SeverityCritical
	}
	overage := (observed - limit) / limit
	switch {
	case overage >= 0.75:
		return SeverityCritical
	case overage >= 0.5:
		return SeverityHigh
	case overage >= 0.25:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// violationID builds the deterministic breach identity.
func violationID(kind ViolationKind, user string, gpuID, pid *int) string {
	id := fmt.Sprintf("%s/%s", kind, user)
	if gpuID != nil {
		id += fmt.Sprintf("/gpu%d", *gpuID)
	}
	if pid != nil {
		id += fmt.Sprintf("/pid%d", *pid)
	}
	return id
}

// sourceList renders the contributing policy names for a message.
func sourceList(effective EffectiveLimits) string {
	if len(effective.Sources) == 0 {
		return "defaults"
	}
	out := effective.Sources[0]
	for _, source := range effective.Sources[1:] {
		out += "+" + source
	}
	return out
}
