// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/bureau-foundation/gpuguard/lib/snapshot"
)

// fileSource reads the current snapshot from a JSON file on every
// poll. The file is written by the external polling collaborator
// (NVML agent, DCGM exporter sidecar, test fixture); gpuguard itself
// never touches the hardware.
type fileSource struct {
	path string
	// host overrides an empty host field in the file, so fixtures
	// written without one pick up the configured node name.
	host string
}

func newFileSource(path, host string) *fileSource {
	return &fileSource{path: path, host: host}
}

// Poll reads and validates the snapshot file.
func (s *fileSource) Poll(ctx context.Context) (*snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", s.path, err)
	}
	if snap.Host == "" {
		snap.Host = s.host
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", s.path, err)
	}
	return &snap, nil
}
