// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time operations so that timer-driven code (the
// heartbeat loop, reconnect scheduling) can be tested deterministically.
// Production code injects Real(); tests inject Fake() and drive time
// forward explicitly.
//
// Production functions that would otherwise call time.Now, time.After,
// time.AfterFunc, time.NewTicker, or time.Sleep should take a Clock
// (or be methods on a struct carrying one) instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f. The returned
	// Timer cancels the pending call via Stop; its C field is nil,
	// matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Ticks arrive on C; Stop releases the
// underlying resources. C is buffered with capacity 1 — if the consumer
// falls behind, ticks are dropped rather than queued, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle; the next
// tick arrives after the new duration.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a single scheduled event. Timers created by AfterFunc have
// a nil C.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it had already fired or been stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. Returns true if the timer
// was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
