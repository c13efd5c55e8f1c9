// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"fmt"
	"sync"
)

// Source is the polling collaborator contract. Implementations read
// live hardware and process state (NVML, DRM sysfs, remote agents) and
// return one validated snapshot per call. The engine never polls
// hardware itself.
type Source interface {
	// Poll returns the current snapshot. Implementations must return
	// an error rather than a partial snapshot when any GPU cannot be
	// read.
	Poll(ctx context.Context) (*Snapshot, error)
}

// StaticSource replays a fixed sequence of snapshots, one per Poll
// call, repeating the final snapshot once the sequence is exhausted.
// It backs tests and the CLI's offline simulation mode.
type StaticSource struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	next      int
}

// NewStaticSource creates a source over the given sequence. At least
// one snapshot is required.
func NewStaticSource(snapshots ...*Snapshot) (*StaticSource, error) {
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("snapshot: static source needs at least one snapshot")
	}
	for i, snap := range snapshots {
		if err := snap.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot: static source entry %d: %w", i, err)
		}
	}
	return &StaticSource{snapshots: snapshots}, nil
}

// Poll returns the next snapshot in the sequence.
func (s *StaticSource) Poll(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshots[s.next]
	if s.next < len(s.snapshots)-1 {
		s.next++
	}
	return snap, nil
}
