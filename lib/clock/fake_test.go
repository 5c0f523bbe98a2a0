// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	c := Fake(testEpoch)
	if !c.Now().Equal(testEpoch) {
		t.Fatalf("initial Now() = %v, want %v", c.Now(), testEpoch)
	}
	c.Advance(90 * time.Second)
	want := testEpoch.Add(90 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("Now() after advance = %v, want %v", c.Now(), want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(testEpoch)
	var calls atomic.Int32
	timer := c.AfterFunc(5*time.Second, func() { calls.Add(1) })

	if !timer.Stop() {
		t.Fatal("Stop() on an active timer returned false")
	}
	c.Advance(10 * time.Second)
	if calls.Load() != 0 {
		t.Fatalf("stopped AfterFunc ran %d times", calls.Load())
	}
	if timer.Stop() {
		t.Fatal("second Stop() returned true")
	}
}

func TestFakeAfterFuncResetReschedules(t *testing.T) {
	c := Fake(testEpoch)
	var calls atomic.Int32
	timer := c.AfterFunc(5*time.Second, func() { calls.Add(1) })

	c.Advance(5 * time.Second)
	if calls.Load() != 1 {
		t.Fatalf("AfterFunc ran %d times, want 1", calls.Load())
	}

	// Reset after firing re-arms the timer.
	timer.Reset(3 * time.Second)
	c.Advance(3 * time.Second)
	if calls.Load() != 2 {
		t.Fatalf("AfterFunc ran %d times after reset, want 2", calls.Load())
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
		}
	}
	if ticks != 3 {
		t.Fatalf("got %d ticks, want 3", ticks)
	}

	ticker.Stop()
	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	c := Fake(testEpoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(5 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakePendingCount(t *testing.T) {
	c := Fake(testEpoch)
	if c.PendingCount() != 0 {
		t.Fatalf("initial PendingCount = %d, want 0", c.PendingCount())
	}
	c.After(time.Second)
	timer := c.AfterFunc(time.Second, func() {})
	if c.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", c.PendingCount())
	}
	timer.Stop()
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount after Stop = %d, want 1", c.PendingCount())
	}
}
