// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/lib/identity"
	"github.com/pylonhq/pylon/wire"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testLink collects messages the router sends to one connection.
type testLink struct {
	sent chan wire.Message
}

func newTestLink() *testLink {
	return &testLink{sent: make(chan wire.Message, 128)}
}

func (l *testLink) Send(message wire.Message) error {
	select {
	case l.sent <- message:
		return nil
	default:
		return errors.New("test link full")
	}
}

func (l *testLink) Close() error { return nil }

// drain empties the link's queue and returns everything received so
// far, keyed for assertions.
func (l *testLink) drain() []wire.Message {
	var out []wire.Message
	for {
		select {
		case message := <-l.sent:
			out = append(out, message)
		default:
			return out
		}
	}
}

// lastOfType returns the most recent message of the given type, or
// fails the test.
func lastOfType(t *testing.T, messages []wire.Message, messageType string) wire.Message {
	t.Helper()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == messageType {
			return messages[i]
		}
	}
	t.Fatalf("no %s message among %d received", messageType, len(messages))
	panic("unreachable")
}

func newTestRouter(t *testing.T, config Config) *Router {
	t.Helper()
	if config.Clock == nil {
		config.Clock = clock.Fake(testEpoch)
	}
	return NewRouter(config)
}

func intPointer(n int) *int { return &n }

// connectPylon runs a full successful pylon handshake and returns the
// connection id and link.
func connectPylon(t *testing.T, router *Router, index int) (ConnID, *testLink) {
	t.Helper()
	link := newTestLink()
	id := router.OnConnect(link, "10.0.0.1")
	result := router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(index),
	})
	if !result.Success {
		t.Fatalf("pylon %d auth failed: %s", index, result.Reason)
	}
	return id, link
}

// connectClient runs a full successful client handshake.
func connectClient(t *testing.T, router *Router) (ConnID, *testLink, wire.Identity) {
	t.Helper()
	link := newTestLink()
	id := router.OnConnect(link, "192.168.1.2")
	result := router.Authenticate(id, wire.AuthRequest{Role: identity.RoleClient})
	if !result.Success {
		t.Fatalf("client auth failed: %s", result.Reason)
	}
	return id, link, *result.Identity
}

func TestAuthenticatePylonRequiresIndex(t *testing.T) {
	router := newTestRouter(t, Config{})
	id := router.OnConnect(newTestLink(), "10.0.0.1")

	result := router.Authenticate(id, wire.AuthRequest{Role: identity.RolePylon})
	if result.Success {
		t.Fatal("pylon authenticated without an index")
	}
	if result.Reason != wire.ReasonIndexRequired {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonIndexRequired)
	}
}

func TestAuthenticatePylonIndexOutOfRange(t *testing.T) {
	router := newTestRouter(t, Config{})
	for _, index := range []int{0, 16, -3} {
		id := router.OnConnect(newTestLink(), "10.0.0.1")
		result := router.Authenticate(id, wire.AuthRequest{
			Role:        identity.RolePylon,
			DeviceIndex: intPointer(index),
		})
		if result.Reason != wire.ReasonIndexOutOfRange {
			t.Fatalf("index %d: reason = %q, want %q", index, result.Reason, wire.ReasonIndexOutOfRange)
		}
	}
}

func TestAuthenticatePylonIndexInUse(t *testing.T) {
	router := newTestRouter(t, Config{})
	connectPylon(t, router, 3)

	id := router.OnConnect(newTestLink(), "10.0.0.2")
	result := router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(3),
	})
	if result.Reason != wire.ReasonIndexInUse {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonIndexInUse)
	}
}

func TestAuthenticatePylonAllowList(t *testing.T) {
	router := newTestRouter(t, Config{
		AllowedIPs: map[int]string{1: "10.0.0.1", 2: "*"},
	})

	// Wrong IP for slot 1.
	id := router.OnConnect(newTestLink(), "10.0.0.99")
	result := router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(1),
	})
	if result.Reason != wire.ReasonIPDenied {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonIPDenied)
	}

	// Slot 3 has no entry at all.
	id = router.OnConnect(newTestLink(), "10.0.0.1")
	result = router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(3),
	})
	if result.Reason != wire.ReasonIPDenied {
		t.Fatalf("unlisted slot: reason = %q, want %q", result.Reason, wire.ReasonIPDenied)
	}

	// Wildcard slot admits anyone.
	id = router.OnConnect(newTestLink(), "203.0.113.7")
	result = router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(2),
	})
	if !result.Success {
		t.Fatalf("wildcard slot rejected: %s", result.Reason)
	}
}

func TestAuthenticateToken(t *testing.T) {
	router := newTestRouter(t, Config{Token: "hunter2"})

	id := router.OnConnect(newTestLink(), "10.0.0.1")
	result := router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(1),
		Token:       "wrong",
	})
	if result.Reason != wire.ReasonTokenInvalid {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonTokenInvalid)
	}

	result = router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(1),
		Token:       "hunter2",
	})
	if !result.Success {
		t.Fatalf("correct token rejected: %s", result.Reason)
	}
}

func TestAuthenticateFailureMutatesNothing(t *testing.T) {
	router := newTestRouter(t, Config{})
	id := router.OnConnect(newTestLink(), "10.0.0.1")

	router.Authenticate(id, wire.AuthRequest{Role: identity.RolePylon}) // fails

	if devices := router.Devices(); len(devices) != 0 {
		t.Fatalf("failed auth left %d devices visible", len(devices))
	}
	// The connection can still authenticate correctly afterwards.
	result := router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(1),
	})
	if !result.Success {
		t.Fatalf("retry after failure rejected: %s", result.Reason)
	}
}

func TestAuthenticateUnknownConnection(t *testing.T) {
	router := newTestRouter(t, Config{})

	result := router.Authenticate(ConnID("conn-999"), wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(1),
	})
	if result.Success {
		t.Fatal("unknown connection authenticated")
	}
	if result.Reason != wire.ReasonUnknownConnection {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonUnknownConnection)
	}
}

func TestPylonReidentifyWithOwnIndex(t *testing.T) {
	router := newTestRouter(t, Config{})
	connID, _ := connectPylon(t, router, 3)

	result := router.Authenticate(connID, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(3),
		Name:        "workstation",
	})
	if !result.Success {
		t.Fatalf("re-identify rejected: %s", result.Reason)
	}
	if result.Identity.DeviceIndex != 3 || result.Identity.Role != identity.RolePylon {
		t.Fatalf("identity = %+v, want pylon/3", result.Identity)
	}

	// Another connection claiming the same slot still conflicts.
	id := router.OnConnect(newTestLink(), "10.0.0.2")
	result = router.Authenticate(id, wire.AuthRequest{
		Role:        identity.RolePylon,
		DeviceIndex: intPointer(3),
	})
	if result.Reason != wire.ReasonIndexInUse {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonIndexInUse)
	}
}

func TestClientIndexAssignmentSequence(t *testing.T) {
	router := newTestRouter(t, Config{})
	for want := 0; want < identity.ClientIndexSlots; want++ {
		_, _, id := connectClient(t, router)
		if id.DeviceIndex != want {
			t.Fatalf("client %d assigned index %d", want, id.DeviceIndex)
		}
	}

	// Slot 17: capacity error, relay keeps running.
	link := newTestLink()
	connID := router.OnConnect(link, "192.168.1.2")
	result := router.Authenticate(connID, wire.AuthRequest{Role: identity.RoleClient})
	if result.Success {
		t.Fatal("17th client authenticated")
	}
	if result.Reason != wire.ReasonNoFreeIndex {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonNoFreeIndex)
	}
}

func TestDisconnectFreesClientIndex(t *testing.T) {
	router := newTestRouter(t, Config{})
	connID, _, id := connectClient(t, router)

	router.OnDisconnect(connID)

	_, _, next := connectClient(t, router)
	if next.DeviceIndex != id.DeviceIndex {
		t.Fatalf("reassigned index %d, want %d", next.DeviceIndex, id.DeviceIndex)
	}
}

func TestClientMayReclaimRequestedIndex(t *testing.T) {
	router := newTestRouter(t, Config{})

	link := newTestLink()
	connID := router.OnConnect(link, "192.168.1.2")
	result := router.Authenticate(connID, wire.AuthRequest{
		Role:        identity.RoleClient,
		DeviceIndex: intPointer(7),
	})
	if !result.Success {
		t.Fatalf("requested index rejected: %s", result.Reason)
	}
	if result.Identity.DeviceIndex != 7 {
		t.Fatalf("assigned %d, want 7", result.Identity.DeviceIndex)
	}

	// Second claim of the same index fails.
	connID = router.OnConnect(newTestLink(), "192.168.1.3")
	result = router.Authenticate(connID, wire.AuthRequest{
		Role:        identity.RoleClient,
		DeviceIndex: intPointer(7),
	})
	if result.Reason != wire.ReasonIndexInUse {
		t.Fatalf("reason = %q, want %q", result.Reason, wire.ReasonIndexInUse)
	}
}

func TestRouteOverwritesFrom(t *testing.T) {
	router := newTestRouter(t, Config{})
	_, pylonLink := connectPylon(t, router, 1)
	clientID, _, clientIdentity := connectClient(t, router)
	pylonLink.drain()

	message, _ := wire.New("claude_send", map[string]string{"text": "hello"}, testEpoch)
	message.From = &wire.Identity{DeviceIndex: 99, Role: identity.RolePylon} // forged
	message.To = wire.ToIdentity(wire.Identity{DeviceIndex: 1, Role: identity.RolePylon})

	if _, err := router.Route(clientID, message); err != nil {
		t.Fatalf("Route: %v", err)
	}

	got := lastOfType(t, pylonLink.drain(), "claude_send")
	if got.From == nil || *got.From != clientIdentity {
		t.Fatalf("from = %v, want %v", got.From, clientIdentity)
	}
}

func TestRouteUnreachableTargetIsSoft(t *testing.T) {
	router := newTestRouter(t, Config{})
	clientID, _, _ := connectClient(t, router)
	_, pylonLink := connectPylon(t, router, 1)
	pylonLink.drain()

	message, _ := wire.New("claude_send", nil, testEpoch)
	message.To = wire.NewTarget(
		wire.Endpoint{DeviceIndex: 1, Role: identity.RolePylon},
		wire.Endpoint{DeviceIndex: 9, Role: identity.RolePylon}, // not connected
	)

	result, err := router.Route(clientID, message)
	if err != nil {
		t.Fatalf("Route returned error for partly-unreachable target: %v", err)
	}
	if len(result.Delivered) != 1 {
		t.Fatalf("delivered to %d targets, want 1", len(result.Delivered))
	}
	if len(result.Unreachable) != 1 || result.Unreachable[0].DeviceIndex != 9 {
		t.Fatalf("unreachable = %v, want device 9", result.Unreachable)
	}
	if len(pylonLink.drain()) == 0 {
		t.Fatal("reachable target received nothing")
	}
}

func TestRouteDefaultPolicyBroadcastsToPylons(t *testing.T) {
	router := newTestRouter(t, Config{})
	_, pylon1 := connectPylon(t, router, 1)
	_, pylon2 := connectPylon(t, router, 2)
	clientID, clientLink, _ := connectClient(t, router)
	pylon1.drain()
	pylon2.drain()
	clientLink.drain()

	// Neither to nor broadcast.
	message, _ := wire.New("claude_send", nil, testEpoch)
	result, err := router.Route(clientID, message)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(result.Delivered) != 2 {
		t.Fatalf("delivered to %d, want both pylons", len(result.Delivered))
	}
	lastOfType(t, pylon1.drain(), "claude_send")
	lastOfType(t, pylon2.drain(), "claude_send")
	for _, message := range clientLink.drain() {
		if message.Type == "claude_send" {
			t.Fatal("default policy delivered to a client")
		}
	}
}

func TestRouteDefaultPolicyOverride(t *testing.T) {
	router := newTestRouter(t, Config{DefaultPolicy: wire.BroadcastAll})
	pylonID, _ := connectPylon(t, router, 1)
	_, clientLink, _ := connectClient(t, router)
	clientLink.drain()

	message, _ := wire.New("claude_event", nil, testEpoch)
	if _, err := router.Route(pylonID, message); err != nil {
		t.Fatalf("Route: %v", err)
	}
	lastOfType(t, clientLink.drain(), "claude_event")
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	router := newTestRouter(t, Config{})
	pylonID, pylonLink := connectPylon(t, router, 1)
	pylonLink.drain()

	message, _ := wire.New("claude_event", nil, testEpoch)
	message.Broadcast = wire.BroadcastPylons
	if _, err := router.Route(pylonID, message); err != nil {
		t.Fatalf("Route: %v", err)
	}
	for _, got := range pylonLink.drain() {
		if got.Type == "claude_event" {
			t.Fatal("broadcast echoed back to sender")
		}
	}
}

func TestRouteRequiresAuthentication(t *testing.T) {
	router := newTestRouter(t, Config{})
	id := router.OnConnect(newTestLink(), "10.0.0.1")

	message, _ := wire.New("claude_send", nil, testEpoch)
	if _, err := router.Route(id, message); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestDeviceStatusBroadcastOnMembershipChange(t *testing.T) {
	router := newTestRouter(t, Config{})
	_, pylonLink := connectPylon(t, router, 1)

	clientID, _, clientIdentity := connectClient(t, router)

	status := lastOfType(t, pylonLink.drain(), wire.TypeDeviceStatus)
	var payload wire.DeviceStatus
	if err := status.DecodePayload(&payload); err != nil {
		t.Fatalf("decode device_status: %v", err)
	}
	if len(payload.Devices) != 2 {
		t.Fatalf("device_status lists %d devices, want 2", len(payload.Devices))
	}

	router.OnDisconnect(clientID)

	messages := pylonLink.drain()
	status = lastOfType(t, messages, wire.TypeDeviceStatus)
	if err := status.DecodePayload(&payload); err != nil {
		t.Fatalf("decode device_status: %v", err)
	}
	if len(payload.Devices) != 1 {
		t.Fatalf("after disconnect device_status lists %d devices, want 1", len(payload.Devices))
	}

	// Pylons also get the explicit client_disconnect notice.
	notice := lastOfType(t, messages, wire.TypeClientDisconnect)
	var departed wire.ClientDisconnect
	if err := notice.DecodePayload(&departed); err != nil {
		t.Fatalf("decode client_disconnect: %v", err)
	}
	if departed.Identity != clientIdentity {
		t.Fatalf("client_disconnect identity = %v, want %v", departed.Identity, clientIdentity)
	}
}

func TestPylonDisconnectSendsNoClientDisconnect(t *testing.T) {
	router := newTestRouter(t, Config{})
	pylonID, _ := connectPylon(t, router, 1)
	_, otherLink := connectPylon(t, router, 2)
	otherLink.drain()

	router.OnDisconnect(pylonID)

	for _, message := range otherLink.drain() {
		if message.Type == wire.TypeClientDisconnect {
			t.Fatal("pylon departure produced client_disconnect")
		}
	}
}

func TestDevicesExcludesUnauthenticated(t *testing.T) {
	router := newTestRouter(t, Config{Environment: identity.EnvDev})
	router.OnConnect(newTestLink(), "10.0.0.5") // never authenticates
	connectPylon(t, router, 3)

	devices := router.Devices()
	if len(devices) != 1 {
		t.Fatalf("Devices() = %d entries, want 1", len(devices))
	}
	if devices[0].DeviceIndex != 3 || devices[0].Role != identity.RolePylon {
		t.Fatalf("device = %+v", devices[0])
	}
	if devices[0].Env != "dev" {
		t.Fatalf("env label = %q, want dev", devices[0].Env)
	}
}

func TestAuthResultCarriesDeviceList(t *testing.T) {
	router := newTestRouter(t, Config{})
	connectPylon(t, router, 1)

	link := newTestLink()
	id := router.OnConnect(link, "192.168.1.2")
	result := router.Authenticate(id, wire.AuthRequest{Role: identity.RoleClient})
	if !result.Success {
		t.Fatalf("auth failed: %s", result.Reason)
	}
	if len(result.Devices) != 2 {
		t.Fatalf("auth result lists %d devices, want 2", len(result.Devices))
	}
}
