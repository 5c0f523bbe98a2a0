// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/lib/identity"
	"github.com/pylonhq/pylon/wire"
)

// ConnState is the relay-client's connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name for logs.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Default timing for the heartbeat and retry loops.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultReconnectInterval = 3 * time.Second
)

// Conn is the minimal socket surface the relay-client needs. The
// production implementation wraps a WebSocket; tests use in-memory
// fakes.
type Conn interface {
	// ReadMessage blocks until one frame arrives or the connection
	// dies.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one frame.
	WriteMessage(data []byte) error

	// Close tears the connection down, unblocking ReadMessage.
	Close() error
}

// Dialer establishes connections to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// RelayClientConfig configures the Pylon's outbound relay connection.
type RelayClientConfig struct {
	// URL is the relay's WebSocket endpoint, e.g. "ws://hub:8787".
	URL string

	// DeviceIndex is this Pylon's fixed identity slot (1..15),
	// operator-assigned in the config file.
	DeviceIndex int

	// Name is the optional display name sent in the handshake.
	Name string

	// Token is the shared identity token, if the relay requires one.
	Token string

	// Timing. Zero values take the package defaults.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectInterval time.Duration

	// Dialer defaults to the WebSocket dialer; Clock to clock.Real();
	// Logger to slog.Default().
	Dialer Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	// OnMessage receives every inbound message except pong. At most
	// one handler, fixed before Connect.
	OnMessage func(wire.Message)

	// OnStatusChange fires on Connected/Disconnected transitions; the
	// local server mirrors these to companion apps.
	OnStatusChange func(connected bool)
}

// RelayClient maintains the Pylon↔relay link. All state transitions
// happen under one mutex; the read loop and heartbeat loop are the
// only goroutines, one pair per live socket, retired by generation
// when the socket dies.
type RelayClient struct {
	url               string
	deviceIndex       int
	name              string
	token             string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectInterval time.Duration
	dialer            Dialer
	clock             clock.Clock
	logger            *slog.Logger
	onMessage         func(wire.Message)
	onStatusChange    func(connected bool)

	mu             sync.Mutex
	state          ConnState
	conn           Conn
	lastPong       time.Time
	reconnect      bool
	reconnectTimer *clock.Timer
	heartbeat      *clock.Ticker
	heartbeatDone  chan struct{}

	// generation retires goroutines belonging to dead sockets: a
	// stale read loop reporting a close cannot disturb the socket
	// that replaced it.
	generation int

	// writeMu serializes frame writes between Send and the heartbeat
	// loop.
	writeMu sync.Mutex
}

// NewRelayClient builds a client; it stays Disconnected until Connect.
func NewRelayClient(config RelayClientConfig) *RelayClient {
	client := &RelayClient{
		url:               config.URL,
		deviceIndex:       config.DeviceIndex,
		name:              config.Name,
		token:             config.Token,
		heartbeatInterval: config.HeartbeatInterval,
		heartbeatTimeout:  config.HeartbeatTimeout,
		reconnectInterval: config.ReconnectInterval,
		dialer:            config.Dialer,
		clock:             config.Clock,
		logger:            config.Logger,
		onMessage:         config.OnMessage,
		onStatusChange:    config.OnStatusChange,
	}
	if client.heartbeatInterval <= 0 {
		client.heartbeatInterval = DefaultHeartbeatInterval
	}
	if client.heartbeatTimeout <= 0 {
		client.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if client.reconnectInterval <= 0 {
		client.reconnectInterval = DefaultReconnectInterval
	}
	if client.dialer == nil {
		client.dialer = websocketDialer{}
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}
	return client
}

// State returns the current connection state.
func (c *RelayClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection attempt and enables auto-reconnect.
// Safe to call when already connecting or connected (no-op).
func (c *RelayClient) Connect() {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = true
	c.cancelReconnectTimerLocked()
	c.state = StateConnecting
	generation := c.generation
	c.mu.Unlock()

	go c.dial(generation)
}

// Disconnect closes the connection and disables auto-reconnect. Both
// timers are cancelled synchronously before the socket closes: no
// retry can fire after Disconnect returns.
func (c *RelayClient) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	c.cancelReconnectTimerLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.generation++
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		c.notifyStatus(false)
	}
	c.logger.Info("relay client disconnected by request")
}

// Send delivers one message to the relay. While disconnected it is a
// warned no-op — callers never crash because the link happens to be
// down.
func (c *RelayClient) Send(message wire.Message) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Warn("dropping message: relay not connected", "type", message.Type)
		return
	}
	c.write(conn, message)
}

// write serializes one frame onto the socket. Write failures are left
// to the read loop: the socket error will surface there and trigger
// the close path.
func (c *RelayClient) write(conn Conn, message wire.Message) {
	frame, err := wire.Encode(message)
	if err != nil {
		c.logger.Warn("dropping unencodable message", "type", message.Type, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(frame); err != nil {
		c.logger.Debug("write failed", "type", message.Type, "error", err)
	}
}

// dial performs one connection attempt for the given generation.
func (c *RelayClient) dial(generation int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	conn, err := c.dialer.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	if generation != c.generation || !c.reconnect {
		// Disconnect happened while dialing; discard the socket.
		c.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("relay dial failed", "url", c.url, "error", err)
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.lastPong = c.clock.Now()
	c.heartbeat = c.clock.NewTicker(c.heartbeatInterval)
	c.heartbeatDone = make(chan struct{})
	ticker, done := c.heartbeat, c.heartbeatDone
	c.mu.Unlock()

	c.logger.Info("connected to relay", "url", c.url)

	// Identify immediately: the relay ignores everything else until
	// the handshake lands.
	index := c.deviceIndex
	auth, err := wire.New(wire.TypeAuth, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: &index,
		Name:        c.name,
		Token:       c.token,
	}, c.clock.Now())
	if err == nil {
		c.write(conn, auth)
	}

	c.notifyStatus(true)

	go c.heartbeatLoop(generation, conn, ticker, done)
	go c.readLoop(generation, conn)
}

// readLoop pumps inbound frames until the socket dies, then runs the
// close path for its generation.
func (c *RelayClient) readLoop(generation int, conn Conn) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(generation)
			return
		}
		message, err := wire.Decode(frame)
		if err != nil {
			c.logger.Warn("dropping malformed frame from relay", "error", err)
			continue
		}

		switch message.Type {
		case wire.TypePong:
			c.mu.Lock()
			c.lastPong = c.clock.Now()
			c.mu.Unlock()

		case wire.TypeAuthResult:
			var result wire.AuthResult
			if err := message.DecodePayload(&result); err == nil && !result.Success {
				c.logger.Error("relay rejected identify", "reason", result.Reason)
			}
			c.deliver(message)

		default:
			c.deliver(message)
		}
	}
}

// heartbeatLoop pings on every tick and enforces the pong deadline.
// When the link goes silent past the timeout it force-closes the
// socket; the read loop then takes the ordinary close path, so a dead
// connection and a closed one converge on the same recovery.
func (c *RelayClient) heartbeatLoop(generation int, conn Conn, ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if generation != c.generation {
			c.mu.Unlock()
			return
		}
		silent := c.clock.Now().Sub(c.lastPong)
		c.mu.Unlock()

		if silent > c.heartbeatTimeout {
			c.logger.Warn("heartbeat timeout, forcing reconnect",
				"silent", silent,
				"timeout", c.heartbeatTimeout,
			)
			_ = conn.Close()
			return
		}

		ping, err := wire.New(wire.TypePing, nil, c.clock.Now())
		if err == nil {
			c.write(conn, ping)
		}
	}
}

// handleClose is the single close path: it retires the generation,
// stops the heartbeat, and schedules one reconnect attempt if retries
// are still enabled.
func (c *RelayClient) handleClose(generation int) {
	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	shouldRetry := c.reconnect
	if shouldRetry {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if wasConnected {
		c.notifyStatus(false)
	}
	c.logger.Info("relay connection lost", "reconnect", shouldRetry)
}

// scheduleReconnectLocked arms the single reconnect timer. Any prior
// pending timer is cancelled first — two concurrent close events must
// not produce a reconnect storm.
func (c *RelayClient) scheduleReconnectLocked() {
	c.cancelReconnectTimerLocked()
	c.reconnectTimer = c.clock.AfterFunc(c.reconnectInterval, func() {
		c.mu.Lock()
		if !c.reconnect || c.state != StateDisconnected {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		generation := c.generation
		c.mu.Unlock()
		c.dial(generation)
	})
}

func (c *RelayClient) cancelReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *RelayClient) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
		close(c.heartbeatDone)
		c.heartbeatDone = nil
	}
}

func (c *RelayClient) deliver(message wire.Message) {
	if c.onMessage != nil {
		c.onMessage(message)
	}
}

func (c *RelayClient) notifyStatus(connected bool) {
	if c.onStatusChange != nil {
		c.onStatusChange(connected)
	}
}
