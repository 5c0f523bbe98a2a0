// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Time stands still
// until Advance is called; every timer, ticker, and sleep registers a
// pending entry that fires when the clock moves past its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order. Calling Sleep or
// Advance from inside an AfterFunc callback deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

// pendingTimer is one registered timer, ticker, or sleep.
type pendingTimer struct {
	deadline time.Time

	// ch receives the fire time for After, Sleep, and Ticker entries;
	// nil for AfterFunc entries.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc entries; nil
	// otherwise.
	fn func()

	// interval is non-zero for tickers: after firing, the entry is
	// rescheduled at deadline + interval.
	interval time.Duration

	// stopped entries are skipped by Advance and dropped.
	stopped bool

	// fired marks one-shot entries that already delivered, so
	// overlapping Advance calls cannot double-fire them.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately without
// registering an entry.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.pending = append(c.pending, &pendingTimer{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	c.changed.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &pendingTimer{
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.current.Add(d)
			// Fired entries were removed from the pending list;
			// re-add on reset.
			if !active {
				c.pending = append(c.pending, entry)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a Ticker firing every d of fake time. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &pendingTimer{
		deadline: c.current.Add(d),
		ch:       ch,
		interval: d,
	}
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.interval = d
			entry.deadline = c.current.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline. Returns immediately if d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every entry whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking (drop-if-full, matching time.Ticker); AfterFunc
// callbacks run synchronously in the calling goroutine. A ticker whose
// interval is spanned multiple times fires once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.takeExpired(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, entry := range expired {
			if entry.fn != nil {
				entry.fn()
			} else if entry.ch != nil {
				select {
				case entry.ch <- target:
				default:
				}
			}
		}
	}
}

// takeExpired removes expired entries from the pending list,
// reschedules tickers, and returns what should fire. Acquires c.mu
// internally.
func (c *FakeClock) takeExpired(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired, remaining []*pendingTimer
	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if !entry.deadline.After(target) {
			expired = append(expired, entry)
		} else {
			remaining = append(remaining, entry)
		}
	}

	for _, entry := range expired {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}

	c.pending = remaining
	return expired
}

// WaitForTimers blocks until at least n timers, tickers, or sleeps are
// pending. Call it after starting a goroutine that schedules work and
// before Advance, so the advance cannot outrun registration.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			n++
		}
	}
	return n
}
