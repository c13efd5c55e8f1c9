// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; pending tickers fire, in deadline
// order, when the clock advances past their deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a fake ticker whose first tick is due one
// interval from the current fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		deadline: c.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ticker)
	return &Ticker{
		C: ticker.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// Advance moves the fake clock forward by d, delivering every ticker
// tick whose deadline falls within the advanced span. A ticker whose
// consumer has not drained the previous tick drops the new one,
// matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.current.Add(d)
	for {
		next := c.earliestDeadline(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		select {
		case next.channel <- next.deadline:
		default:
		}
		next.deadline = next.deadline.Add(next.interval)
	}
	c.current = target
}

// earliestDeadline returns the live ticker with the earliest deadline
// at or before target, or nil when none is due.
func (c *FakeClock) earliestDeadline(target time.Time) *fakeTicker {
	var earliest *fakeTicker
	for _, ticker := range c.tickers {
		if ticker.stopped || ticker.deadline.After(target) {
			continue
		}
		if earliest == nil || ticker.deadline.Before(earliest.deadline) {
			earliest = ticker
		}
	}
	return earliest
}
