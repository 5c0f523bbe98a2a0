// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"time"

	"github.com/pylonhq/pylon/wire"
)

// ConnID is an opaque per-socket identifier minted by the router.
type ConnID string

// Link is the transport half of a connection: the router enqueues
// outbound messages through it. Implementations must not block in
// Send — the WebSocket server backs it with a buffered writer
// goroutine, and tests use in-memory channels.
type Link interface {
	// Send enqueues one message for delivery. An error means the
	// connection is no longer usable.
	Send(message wire.Message) error

	// Close tears the connection down. The transport reports the
	// closure back through Router.OnDisconnect.
	Close() error
}

// connection is one live socket's record. The identity pointer is the
// authentication state: nil means unauthenticated.
type connection struct {
	id          ConnID
	link        Link
	ip          string
	connectedAt time.Time
	identity    *wire.Identity
	name        string
}

func (c *connection) authenticated() bool {
	return c.identity != nil
}
