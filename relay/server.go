// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pylonhq/pylon/wire"
)

// sendQueueDepth bounds each connection's outbound buffer. A consumer
// that stops reading eventually fails Send, which surfaces as an
// unreachable target instead of blocking the router.
const sendQueueDepth = 64

// writeTimeout bounds a single frame write on a live socket.
const writeTimeout = 10 * time.Second

// ServerConfig configures the relay's WebSocket listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8787".
	Addr string

	// Router receives every connection and frame.
	Router *Router

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server accepts WebSocket connections and pumps frames between the
// sockets and the router. One read goroutine and one write goroutine
// exist per connection; the router only ever sees [Link]s.
type Server struct {
	addr     string
	router   *Router
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	links map[*wsLink]struct{}
}

// NewServer builds a server around a router.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   config.Addr,
		router: config.Router,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Devices connect from app webviews and CLI processes;
			// origin enforcement is the allow-list's job, not CORS's.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		links: make(map[*wsLink]struct{}),
	}
}

// Serve listens on the configured address until ctx is cancelled, then
// closes every live connection and returns. Returns on listener
// failure as well.
func (s *Server) Serve(ctx context.Context) error {
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
		return fmt.Errorf("relay: listener failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	links := make([]*wsLink, 0, len(s.links))
	for link := range s.links {
		links = append(links, link)
	}
	s.mu.Unlock()
	for _, link := range links {
		_ = link.Close()
	}
	return nil
}

// handleUpgrade turns an HTTP request into a relay connection and runs
// its read loop until the socket dies.
func (s *Server) handleUpgrade(w http.ResponseWriter, request *http.Request) {
	socket, err := s.upgrader.Upgrade(w, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}

	ip := remoteIP(request)
	link := newWSLink(socket, s.logger)
	s.track(link)
	go link.writePump()

	connID := s.router.OnConnect(link, ip)
	defer func() {
		s.router.OnDisconnect(connID)
		_ = link.Close()
		s.untrack(link)
	}()

	for {
		_, frame, err := socket.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read loop ended", "conn", connID, "error", err)
			}
			return
		}

		message, err := wire.Decode(frame)
		if err != nil {
			// Malformed frames are dropped; the connection lives on.
			s.logger.Warn("dropping malformed frame", "conn", connID, "error", err)
			continue
		}

		if !s.dispatch(connID, link, message) {
			return
		}
	}
}

// dispatch handles one inbound message. Returns false when the
// connection should close (failed auth).
func (s *Server) dispatch(connID ConnID, link *wsLink, message wire.Message) bool {
	switch message.Type {
	case wire.TypeAuth:
		var request wire.AuthRequest
		if err := message.DecodePayload(&request); err != nil {
			s.logger.Warn("dropping malformed auth payload", "conn", connID, "error", err)
			return true
		}
		result := s.router.Authenticate(connID, request)
		reply, err := wire.New(wire.TypeAuthResult, result, s.router.clock.Now())
		if err == nil {
			_ = link.Send(reply)
		}
		// A failed identify closes the socket; the queued auth_result
		// drains first.
		return result.Success

	case wire.TypePing:
		pong, err := wire.New(wire.TypePong, nil, s.router.clock.Now())
		pong.RequestID = message.RequestID
		if err == nil {
			_ = link.Send(pong)
		}
		return true

	case wire.TypePong:
		// The relay never pings; stray pongs are harmless.
		return true

	default:
		// Everything else — application payloads and blob transfer
		// frames alike — forwards opaquely.
		if _, err := s.router.Route(connID, message); err != nil {
			s.logger.Warn("dropping unroutable message",
				"conn", connID,
				"type", message.Type,
				"error", err,
			)
		}
		return true
	}
}

func (s *Server) track(link *wsLink) {
	s.mu.Lock()
	s.links[link] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(link *wsLink) {
	s.mu.Lock()
	delete(s.links, link)
	s.mu.Unlock()
}

// remoteIP extracts the peer address without its port.
func remoteIP(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

// wsLink adapts one WebSocket to the Link interface. Send enqueues
// onto a buffered channel drained by writePump, so the router never
// blocks on a slow socket.
type wsLink struct {
	socket *websocket.Conn
	out    chan wire.Message
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newWSLink(socket *websocket.Conn, logger *slog.Logger) *wsLink {
	return &wsLink{
		socket: socket,
		out:    make(chan wire.Message, sendQueueDepth),
		logger: logger,
	}
}

// Send enqueues a message. Fails when the link is closed or the queue
// is full (a consumer that stopped reading).
func (l *wsLink) Send(message wire.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	select {
	case l.out <- message:
		return nil
	default:
		return fmt.Errorf("relay: send queue full")
	}
}

// Close stops accepting sends. The write pump drains what is already
// queued, sends a close frame, and closes the socket.
func (l *wsLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.out)
	return nil
}

// writePump serializes all socket writes for one connection. It exits
// after Close drains the queue, or on the first write error.
func (l *wsLink) writePump() {
	defer l.socket.Close()
	for message := range l.out {
		frame, err := wire.Encode(message)
		if err != nil {
			l.logger.Warn("dropping unencodable message", "type", message.Type, "error", err)
			continue
		}
		_ = l.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := l.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	deadline := time.Now().Add(writeTimeout)
	_ = l.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
