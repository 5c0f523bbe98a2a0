// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/wire"
)

// LocalServerConfig configures the localhost listener for companion
// apps running on the same machine as the Pylon.
type LocalServerConfig struct {
	// Addr is the listen address. Bind to loopback: local connections
	// are trusted and skip the identify handshake.
	Addr string

	// OnMessage receives every frame a companion app sends.
	OnMessage func(wire.Message)

	// PacketLog, when set, records non-liveness traffic.
	PacketLog *PacketLog

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// LocalServer accepts same-machine companion connections. Every
// accepted connection immediately learns the current relay
// connectivity, and later changes are pushed to all of them, so an app
// that attaches mid-outage still renders the right state.
type LocalServer struct {
	addr      string
	onMessage func(wire.Message)
	packetLog *PacketLog
	clock     clock.Clock
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu             sync.Mutex
	conns          map[*localConn]struct{}
	relayConnected bool
}

// NewLocalServer builds the local listener.
func NewLocalServer(config LocalServerConfig) *LocalServer {
	server := &LocalServer{
		addr:      config.Addr,
		onMessage: config.OnMessage,
		packetLog: config.PacketLog,
		clock:     config.Clock,
		logger:    config.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*localConn]struct{}),
	}
	if server.clock == nil {
		server.clock = clock.Real()
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

// Serve listens until ctx is cancelled, then closes every companion
// connection and returns.
func (s *LocalServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	httpServer := &http.Server{Addr: s.addr, Handler: mux}

	errs := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("pylon: local listener failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	conns := make([]*localConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.close()
	}
	return nil
}

// SetRelayConnected records the relay link state and pushes a
// relay_status frame to every attached companion app.
func (s *LocalServer) SetRelayConnected(connected bool) {
	s.mu.Lock()
	s.relayConnected = connected
	conns := make([]*localConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	status, err := wire.New(wire.TypeRelayStatus, wire.RelayStatus{Connected: connected}, s.clock.Now())
	if err != nil {
		return
	}
	for _, conn := range conns {
		conn.send(status)
	}
}

// Broadcast forwards one message to every attached companion app.
// The relay-client's OnMessage is typically wired straight here.
func (s *LocalServer) Broadcast(message wire.Message) {
	s.record("out", message)

	s.mu.Lock()
	conns := make([]*localConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.send(message)
	}
}

// ConnCount reports how many companion apps are attached.
func (s *LocalServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *LocalServer) handleUpgrade(w http.ResponseWriter, request *http.Request) {
	socket, err := s.upgrader.Upgrade(w, request, nil)
	if err != nil {
		s.logger.Warn("local upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}

	conn := &localConn{socket: socket}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	relayConnected := s.relayConnected
	s.mu.Unlock()

	s.logger.Info("companion app attached", "remote", request.RemoteAddr)

	// First frame on every local connection is the relay state.
	status, err := wire.New(wire.TypeRelayStatus, wire.RelayStatus{Connected: relayConnected}, s.clock.Now())
	if err == nil {
		conn.send(status)
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.close()
		s.logger.Info("companion app detached", "remote", request.RemoteAddr)
	}()

	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			return
		}
		message, err := wire.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping malformed local frame", "error", err)
			continue
		}
		s.record("in", message)
		if s.onMessage != nil {
			s.onMessage(message)
		}
	}
}

func (s *LocalServer) record(direction string, message wire.Message) {
	if s.packetLog != nil {
		s.packetLog.Record(direction, message)
	}
}

// localConn is one companion-app socket with serialized writes.
type localConn struct {
	socket *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *localConn) send(message wire.Message) {
	frame, err := wire.Encode(message)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.socket.WriteMessage(websocket.TextMessage, frame)
}

func (c *localConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.socket.Close()
}

// writeTimeout bounds a single local frame write.
const writeTimeout = 10 * time.Second
