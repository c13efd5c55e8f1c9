// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

// DefaultRecentCapacity is the default bound on the recent-violation
// and recent-warning rings. Fifty entries cover several monitoring
// cycles of a busy host without unbounded growth.
const DefaultRecentCapacity = 50

// ring is a fixed-capacity circular buffer that keeps the newest
// entries, evicting the oldest first. Callers synchronize access; the
// coordinator holds its lock across every ring operation.
type ring[T any] struct {
	entries []T
	// next is the slot the next push lands in (0 to capacity-1).
	next int
	// total counts every push ever made; the ring currently holds
	// min(total, capacity) entries.
	total int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &ring[T]{entries: make([]T, capacity)}
}

func (r *ring[T]) push(entry T) {
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	r.total++
}

// snapshot returns the retained entries oldest first.
func (r *ring[T]) snapshot() []T {
	stored := r.total
	if stored > len(r.entries) {
		stored = len(r.entries)
	}
	out := make([]T, 0, stored)
	start := (r.next - stored + len(r.entries)) % len(r.entries)
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < stored; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
