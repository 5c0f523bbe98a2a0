// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package pylon implements the device side of the relay protocol: the
// outbound connection to the relay hub and the local server for
// same-machine companion apps.
//
// [RelayClient] is an explicit three-state machine
// (Disconnected → Connecting → Connected) with exactly one pending
// reconnect timer and one heartbeat ticker at any time. Heartbeats
// convert a silently dead link into a bounded-time detectable failure:
// a ping goes out every interval, and when the time since the last
// pong exceeds the timeout the client force-closes its socket and lets
// the ordinary close path schedule the reconnect. Disconnect is the
// only way out of the retry loop and cancels both timers
// synchronously.
//
// [LocalServer] accepts companion-app connections on a localhost port,
// tells each one the current relay connectivity the moment it
// connects, and bridges frames to injected callbacks so the message
// plumbing is testable without sockets. Its packet log skips liveness
// chatter (relay_status, pong).
//
// The [Agent] and [ConversationStore] interfaces are the seams to the
// AI-agent integration and the persistence layer; both are external
// collaborators of this package, not part of it.
package pylon
