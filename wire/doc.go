// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message envelope shared by the relay hub,
// the Pylon relay-client, and the Pylon local server.
//
// Every frame on every connection is one JSON-encoded [Message]: a
// type string, an opaque payload, a millisecond timestamp, and the
// routing fields (from, to, broadcast, requestId). The type space is
// open — the relay recognizes the protocol types declared here
// (auth, heartbeat, device status, blob transfer) and forwards
// everything else opaquely, so application payloads like claude_send
// need no changes to this layer.
//
// The from field is never trusted off the wire: the router overwrites
// it with the sender's verified identity before forwarding. The to
// field accepts a bare device index, a {deviceIndex, role} object, or
// an array of either; [Target] normalizes all three forms.
package wire
