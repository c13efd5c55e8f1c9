// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/gpuguard/lib/guard"
	"github.com/bureau-foundation/gpuguard/lib/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpuguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "monitor:\n  host: node-a\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Monitor.Host != "node-a" {
		t.Fatalf("host = %q", cfg.Monitor.Host)
	}
	if cfg.Monitor.PollInterval.Std() != 30*time.Second {
		t.Fatalf("poll interval default = %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.Lookback() != 24*time.Hour {
		t.Fatalf("lookback default = %v", cfg.Monitor.Lookback())
	}
	if !cfg.Enforcement.DryRun {
		t.Fatal("enforcement must default to dry-run")
	}
	if cfg.Detector.MinConfidence == 0 {
		t.Fatal("detector defaults missing")
	}
}

func TestLoadFileFullConfig(t *testing.T) {
	path := writeConfig(t, `
monitor:
  host: node-a
  poll_interval: 1m
  lookback_hours: 12
audit:
  path: /tmp/audit.db
  retention_days: 7
enforcement:
  enabled: true
  dry_run: false
  soft_enforcement: true
  hard_enforcement: true
  recent_capacity: 100
detector:
  max_memory_usage_gb: 16
policies:
  users:
    - username: alice
      limits:
        memory_gb: 8
  groups:
    - name: research
      members: [alice, bob]
      aggregate:
        memory_gb: 32
  gpus:
    - gpu_index: 1
      allowed_users: [bob]
      max_memory_gb: 24
      reserved_memory_gb: 2
      maintenance:
        window:
          start: "02:00"
          end: "04:00"
          days: [0, 6]
        message: weekly driver upgrade
  times:
    - name: business-hours
      window:
        start: "09:00"
        end: "17:00"
        days: [1, 2, 3, 4, 5]
      limits:
        utilization_pct: 80
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Monitor.PollInterval.Std() != time.Minute {
		t.Fatalf("poll interval = %v", cfg.Monitor.PollInterval)
	}
	if cfg.Audit.Retention() != 7*24*time.Hour {
		t.Fatalf("retention = %v", cfg.Audit.Retention())
	}
	if cfg.Detector.MaxMemoryUsageGB != 16 {
		t.Fatalf("detector override = %v", cfg.Detector.MaxMemoryUsageGB)
	}

	settings := cfg.Enforcement.Settings()
	if settings.Mode != guard.ModeEnforcing || !settings.SoftEnforcement || !settings.HardEnforcement {
		t.Fatalf("settings = %+v", settings)
	}

	store := policy.NewStore()
	if err := cfg.Policies.Seed(store); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	counts := store.Counts()
	if counts.Users != 1 || counts.Groups != 1 || counts.GPUs != 1 || counts.Times != 1 {
		t.Fatalf("seeded counts = %+v", counts)
	}

	effective := store.View().Resolve("carol", 1, time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if !effective.AccessDenied {
		t.Fatal("seeded gpu policy must deny carol")
	}
}

func TestLoadFileValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "negative poll interval",
			content: "monitor:\n  poll_interval: -5s\n",
			want:    "poll_interval",
		},
		{
			name:    "empty audit path",
			content: "audit:\n  path: \"\"\n",
			want:    "audit.path",
		},
		{
			name:    "bad detector confidence",
			content: "detector:\n  min_confidence_threshold: 3\n",
			want:    "min_confidence",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadFile(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSeedRejectsInvalidPolicy(t *testing.T) {
	path := writeConfig(t, `
policies:
  groups:
    - name: research
      members: []
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Policies.Seed(policy.NewStore()); err == nil {
		t.Fatal("seeding a memberless group must fail")
	}
}

func TestSeedRejectsUnparseableWindow(t *testing.T) {
	path := writeConfig(t, `
policies:
  times:
    - name: broken
      window:
        start: "25:00"
        end: "04:00"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Policies.Seed(policy.NewStore()); err == nil {
		t.Fatal("seeding an unparseable window must fail")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, "monitor:\n  host: node-a\n  poll_interval: 45s\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Enforcement.HardEnforcement = true

	saved := filepath.Join(t.TempDir(), "saved.yaml")
	if err := cfg.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	again, err := LoadFile(saved)
	if err != nil {
		t.Fatalf("LoadFile after Save: %v", err)
	}
	if again.Monitor.Host != "node-a" {
		t.Fatalf("host = %q", again.Monitor.Host)
	}
	if again.Monitor.PollInterval.Std() != 45*time.Second {
		t.Fatalf("poll interval = %v", again.Monitor.PollInterval.Std())
	}
	if !again.Enforcement.HardEnforcement {
		t.Fatal("hard enforcement flag lost in round trip")
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv("GPUGUARD_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without GPUGUARD_CONFIG must fail")
	}
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "monitor:\n  host: node-a\n")
	t.Setenv("GPUGUARD_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Monitor.Host != "node-a" {
		t.Fatalf("host = %q", cfg.Monitor.Host)
	}
}
