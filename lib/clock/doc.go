// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// The relay-client's heartbeat and reconnect logic is entirely
// timer-driven, which makes it miserable to test against the real
// clock: a 30-second pong timeout would mean a 30-second test. Instead,
// every component that schedules work accepts a Clock. Production wires
// Real(); tests wire Fake() and advance time by hand:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	client := NewRelayClient(Config{Clock: c, ...})
//	client.Connect()
//	c.WaitForTimers(1)              // heartbeat ticker registered
//	c.Advance(30 * time.Second)     // pong timeout fires, no sleeping
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past its deadline; tests never need
// time.Sleep for synchronization.
package clock
