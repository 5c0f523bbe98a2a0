// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// websocketDialer is the production Dialer.
type websocketDialer struct{}

func (websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("pylon: dial %s: %w", url, err)
	}
	return &websocketConn{socket: socket}, nil
}

// websocketConn adapts a gorilla socket to the Conn interface.
type websocketConn struct {
	socket *websocket.Conn
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, frame, err := c.socket.ReadMessage()
	return frame, err
}

func (c *websocketConn) WriteMessage(data []byte) error {
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

func (c *websocketConn) Close() error {
	return c.socket.Close()
}
