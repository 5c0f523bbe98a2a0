// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/lib/identity"
	"github.com/pylonhq/pylon/wire"
)

// ErrUnknownConnection is returned for operations on a connection id
// the router no longer tracks (already disconnected, or never
// existed).
var ErrUnknownConnection = errors.New("relay: unknown connection")

// ErrNotAuthenticated is returned when a connection tries to route
// messages before completing the identify handshake.
var ErrNotAuthenticated = errors.New("relay: connection not authenticated")

// Config carries the router's deployment policy.
type Config struct {
	// Environment tags this relay's deployment; it only affects the
	// env label attached to Pylons in device listings.
	Environment identity.EnvID

	// AllowedIPs maps each fixed Pylon slot (1..15) to the IP allowed
	// to claim it. "*" admits any address; a missing entry denies the
	// slot entirely.
	AllowedIPs map[int]string

	// Token is the shared identity token. Empty disables the check.
	Token string

	// DefaultPolicy is applied to messages carrying neither to nor
	// broadcast. Zero value means BroadcastPylons: commands are
	// assumed operator→agent unless routed otherwise.
	DefaultPolicy wire.Broadcast

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// RouteResult reports where a message went. Unreachable targets are a
// soft, per-target condition: delivery to the rest proceeded.
type RouteResult struct {
	Delivered   []wire.Identity
	Unreachable []wire.Endpoint
}

// Router is the hub's state owner. All mutation of the connection
// table and the index allocator happens inside its mutex, so
// allocate-and-register is atomic and two clients can never race for
// the same index.
type Router struct {
	environment   identity.EnvID
	allowedIPs    map[int]string
	tokenDigest   []byte // blake3 of the shared token; nil disables
	defaultPolicy wire.Broadcast
	clock         clock.Clock
	logger        *slog.Logger

	mu        sync.Mutex
	conns     map[ConnID]*connection
	allocator identity.ClientIndexAllocator

	nextConn atomic.Int64
}

// NewRouter builds a router from config, filling defaults.
func NewRouter(config Config) *Router {
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := config.DefaultPolicy
	if policy == "" {
		policy = wire.BroadcastPylons
	}

	var tokenDigest []byte
	if config.Token != "" {
		sum := blake3.Sum256([]byte(config.Token))
		tokenDigest = sum[:]
	}

	return &Router{
		environment:   config.Environment,
		allowedIPs:    config.AllowedIPs,
		tokenDigest:   tokenDigest,
		defaultPolicy: policy,
		clock:         clk,
		logger:        logger,
		conns:         make(map[ConnID]*connection),
	}
}

// OnConnect registers a new unauthenticated connection and returns its
// id. The connection can do nothing but authenticate until the
// identify handshake succeeds.
func (r *Router) OnConnect(link Link, ip string) ConnID {
	id := ConnID(fmt.Sprintf("conn-%d", r.nextConn.Add(1)))

	r.mu.Lock()
	r.conns[id] = &connection{
		id:          id,
		link:        link,
		ip:          ip,
		connectedAt: r.clock.Now(),
	}
	r.mu.Unlock()

	r.logger.Debug("connection accepted", "conn", id, "ip", ip)
	return id
}

// Authenticate runs the identify handshake for a connection. On
// failure nothing is mutated and the typed reason is returned; the
// transport closes the socket afterwards. On success the connection
// becomes authenticated and every endpoint receives a device_status
// broadcast.
func (r *Router) Authenticate(id ConnID, request wire.AuthRequest) wire.AuthResult {
	r.mu.Lock()

	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("auth on unknown connection", "conn", id)
		return wire.AuthResult{Reason: wire.ReasonUnknownConnection}
	}

	if !r.tokenValid(request.Token) {
		r.mu.Unlock()
		r.logger.Warn("auth rejected: bad token", "conn", id, "ip", conn.ip)
		return wire.AuthResult{Reason: wire.ReasonTokenInvalid}
	}

	var resolved wire.Identity
	switch request.Role {
	case identity.RolePylon:
		result, reason := r.authPylonLocked(conn, request)
		if reason != "" {
			r.mu.Unlock()
			r.logger.Warn("pylon auth rejected", "conn", id, "ip", conn.ip, "reason", reason)
			return wire.AuthResult{Reason: reason}
		}
		resolved = result

	default:
		result, reason := r.authClientLocked(request)
		if reason != "" {
			r.mu.Unlock()
			r.logger.Warn("client auth rejected", "conn", id, "ip", conn.ip, "reason", reason)
			return wire.AuthResult{Reason: reason}
		}
		resolved = result
	}

	// Re-identify: return the previous client index before adopting
	// the new identity, so it cannot leak.
	if old := conn.identity; old != nil && old.Role != identity.RolePylon {
		r.allocator.Release(old.DeviceIndex)
	}
	conn.identity = &resolved
	conn.name = request.Name
	devices := r.devicesLocked()
	r.mu.Unlock()

	r.logger.Info("device authenticated",
		"conn", id,
		"identity", resolved.String(),
		"name", request.Name,
		"ip", conn.ip,
	)
	r.broadcastDeviceStatus()

	return wire.AuthResult{
		Success:  true,
		Identity: &resolved,
		Devices:  devices,
	}
}

// authPylonLocked validates a Pylon identify. Pylons must present
// their fixed index: it is operator-assigned, never minted here.
func (r *Router) authPylonLocked(conn *connection, request wire.AuthRequest) (wire.Identity, wire.AuthFailureReason) {
	if request.DeviceIndex == nil {
		return wire.Identity{}, wire.ReasonIndexRequired
	}
	index := *request.DeviceIndex
	if !identity.ValidPylonIndex(index) {
		return wire.Identity{}, wire.ReasonIndexOutOfRange
	}
	if !r.ipAllowedForSlot(index, conn.ip) {
		return wire.Identity{}, wire.ReasonIPDenied
	}
	claimed := wire.Identity{DeviceIndex: index, Role: identity.RolePylon}
	for _, other := range r.conns {
		// A connection re-identifying with its own index is not a
		// conflict.
		if other == conn {
			continue
		}
		if other.identity != nil && *other.identity == claimed {
			return wire.Identity{}, wire.ReasonIndexInUse
		}
	}
	return claimed, ""
}

// authClientLocked resolves a client (or companion role) identify.
// Omitted index triggers allocation; a supplied index is honored when
// free, so reconnecting clients keep their number.
func (r *Router) authClientLocked(request wire.AuthRequest) (wire.Identity, wire.AuthFailureReason) {
	if request.DeviceIndex != nil {
		index := *request.DeviceIndex
		if !identity.ValidClientIndex(index) {
			return wire.Identity{}, wire.ReasonIndexOutOfRange
		}
		if !r.allocator.Claim(index) {
			return wire.Identity{}, wire.ReasonIndexInUse
		}
		return wire.Identity{DeviceIndex: index, Role: request.Role}, ""
	}

	index, err := r.allocator.Assign()
	if err != nil {
		return wire.Identity{}, wire.ReasonNoFreeIndex
	}
	return wire.Identity{DeviceIndex: index, Role: request.Role}, ""
}

// Route resolves a message's destination and enqueues delivery. The
// sender's verified identity overwrites any from field on the wire.
func (r *Router) Route(sender ConnID, message wire.Message) (RouteResult, error) {
	r.mu.Lock()

	from, ok := r.conns[sender]
	if !ok {
		r.mu.Unlock()
		return RouteResult{}, ErrUnknownConnection
	}
	if !from.authenticated() {
		r.mu.Unlock()
		return RouteResult{}, ErrNotAuthenticated
	}
	message.From = from.identity

	var result RouteResult
	if endpoints := message.To.Endpoints(); len(endpoints) > 0 {
		// Explicit targets win over broadcast.
		for _, endpoint := range endpoints {
			delivered := false
			for _, conn := range r.conns {
				if conn.authenticated() && endpoint.Matches(*conn.identity) {
					r.sendLocked(conn, message)
					result.Delivered = append(result.Delivered, *conn.identity)
					delivered = true
				}
			}
			if !delivered {
				result.Unreachable = append(result.Unreachable, endpoint)
			}
		}
	} else {
		group := message.Broadcast
		if group == "" {
			group = r.defaultPolicy
		}
		for _, conn := range r.conns {
			if conn.id == sender || !conn.authenticated() {
				continue
			}
			if broadcastMatches(group, conn.identity.Role) {
				r.sendLocked(conn, message)
				result.Delivered = append(result.Delivered, *conn.identity)
			}
		}
	}
	r.mu.Unlock()

	for _, endpoint := range result.Unreachable {
		r.logger.Warn("route target unreachable",
			"type", message.Type,
			"from", message.From.String(),
			"device_index", endpoint.DeviceIndex,
			"role", endpoint.Role,
		)
	}
	return result, nil
}

// broadcastMatches resolves a broadcast group against a role. Groups
// beyond the built-in three select a single role by name, so companion
// roles can be addressed as a class.
func broadcastMatches(group wire.Broadcast, role identity.Role) bool {
	switch group {
	case wire.BroadcastAll:
		return true
	case wire.BroadcastPylons:
		return role == identity.RolePylon
	case wire.BroadcastClients:
		return role != identity.RolePylon
	default:
		return identity.Role(group) == role
	}
}

// OnDisconnect removes a connection, frees its client index, and
// tells the survivors. Pylons learn about departing clients via
// client_disconnect; everyone gets the refreshed device_status.
func (r *Router) OnDisconnect(id ConnID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)

	departed := conn.identity
	if departed != nil && departed.Role != identity.RolePylon {
		r.allocator.Release(departed.DeviceIndex)
	}
	r.mu.Unlock()

	if departed == nil {
		r.logger.Debug("unauthenticated connection closed", "conn", id)
		return
	}

	r.logger.Info("device disconnected", "conn", id, "identity", departed.String())

	if departed.Role != identity.RolePylon {
		notice, err := wire.New(wire.TypeClientDisconnect,
			wire.ClientDisconnect{Identity: *departed}, r.clock.Now())
		if err == nil {
			notice.Broadcast = wire.BroadcastPylons
			r.broadcast(notice, func(role identity.Role) bool {
				return role == identity.RolePylon
			})
		}
	}
	r.broadcastDeviceStatus()
}

// Devices returns the authenticated device list, ordered by role then
// index. Unauthenticated sockets are invisible.
func (r *Router) Devices() []wire.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devicesLocked()
}

func (r *Router) devicesLocked() []wire.DeviceInfo {
	var devices []wire.DeviceInfo
	for _, conn := range r.conns {
		if !conn.authenticated() {
			continue
		}
		info := wire.DeviceInfo{
			Identity:    *conn.identity,
			Name:        conn.name,
			ConnectedAt: conn.connectedAt.UnixMilli(),
		}
		if conn.identity.Role == identity.RolePylon {
			info.Env = identity.EnvName(identity.GlobalID(r.environment, conn.identity.DeviceIndex))
		}
		devices = append(devices, info)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Role != devices[j].Role {
			return devices[i].Role < devices[j].Role
		}
		return devices[i].DeviceIndex < devices[j].DeviceIndex
	})
	return devices
}

// broadcastDeviceStatus sends the current device list to every
// connection, authenticated or not, keeping every endpoint's online
// view eventually consistent.
func (r *Router) broadcastDeviceStatus() {
	r.mu.Lock()
	devices := r.devicesLocked()
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	message, err := wire.New(wire.TypeDeviceStatus, wire.DeviceStatus{Devices: devices}, r.clock.Now())
	if err != nil {
		return
	}
	for _, conn := range conns {
		if err := conn.link.Send(message); err != nil {
			r.logger.Debug("device_status send failed", "conn", conn.id, "error", err)
		}
	}
}

// broadcast sends a message to every authenticated connection whose
// role passes the filter.
func (r *Router) broadcast(message wire.Message, include func(identity.Role) bool) {
	r.mu.Lock()
	targets := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.authenticated() && include(conn.identity.Role) {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.link.Send(message); err != nil {
			r.logger.Debug("broadcast send failed", "conn", conn.id, "error", err)
		}
	}
}

// sendLocked enqueues a message on a connection's link. Send failures
// degrade to a log line: the close path will reap the connection.
func (r *Router) sendLocked(conn *connection, message wire.Message) {
	if err := conn.link.Send(message); err != nil {
		r.logger.Warn("send failed", "conn", conn.id, "type", message.Type, "error", err)
	}
}

// ipAllowedForSlot checks the per-slot allow-list. Caller holds no
// assumptions about list contents: missing slot denies, "*" admits.
func (r *Router) ipAllowedForSlot(slot int, ip string) bool {
	if r.allowedIPs == nil {
		return true
	}
	allowed, ok := r.allowedIPs[slot]
	if !ok {
		return false
	}
	return allowed == "*" || allowed == ip
}

// tokenValid compares the presented token against the configured one
// in constant time over fixed-size digests.
func (r *Router) tokenValid(presented string) bool {
	if r.tokenDigest == nil {
		return true
	}
	sum := blake3.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(sum[:], r.tokenDigest) == 1
}
