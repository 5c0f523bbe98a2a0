// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the hub: the always-on process that
// authenticates Pylons and clients and routes messages between them.
//
// [Router] owns all mutable relay state — the connection table and the
// client index allocator — behind a single mutex, so assign-and-register
// is atomic and no other component can mint identities or reach into
// the live set. Transport is abstracted to the [Link] interface: the
// router never touches sockets, which keeps every routing and
// authentication rule testable with in-memory links. [Server] binds
// the router to real WebSocket connections.
//
// Routing resolution: an explicit to field wins over broadcast;
// multi-target delivery is best-effort per target, with unreachable
// targets reported back rather than failing the message; a message
// with neither field follows the router's default policy, which ships
// as "broadcast to all Pylons" (commands are assumed operator→agent)
// and is configurable per deployment.
package relay
