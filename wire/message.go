// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pylonhq/pylon/lib/identity"
)

// Protocol message types. The enumeration is open: types not listed
// here (claude_send, claude_event, ...) are application payloads the
// relay forwards without interpretation.
const (
	TypeAuth             = "auth"
	TypeAuthResult       = "auth_result"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeDeviceStatus     = "device_status"
	TypeClientDisconnect = "client_disconnect"
	TypeRelayStatus      = "relay_status"
	TypeBlobStart        = "blob_start"
	TypeBlobChunk        = "blob_chunk"
	TypeBlobEnd          = "blob_end"
	TypeBlobAck          = "blob_ack"
)

// Broadcast selects a group of authenticated connections.
type Broadcast string

const (
	BroadcastAll     Broadcast = "all"
	BroadcastPylons  Broadcast = "pylons"
	BroadcastClients Broadcast = "clients"
)

// Identity is a verified device identity: the per-role index plus the
// role it is scoped to.
type Identity struct {
	DeviceIndex int           `json:"deviceIndex"`
	Role        identity.Role `json:"role"`
}

// String renders the identity for logs, e.g. "pylon/3".
func (i Identity) String() string {
	return fmt.Sprintf("%s/%d", i.Role, i.DeviceIndex)
}

// Message is the envelope carried in every frame.
//
// Exactly one of To/Broadcast is meaningful per message; when both are
// absent the router applies its default policy. From is set by the
// router, never by the sender.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	From      *Identity       `json:"from,omitempty"`
	To        *Target         `json:"to,omitempty"`
	Broadcast Broadcast       `json:"broadcast,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// New builds a message of the given type with payload marshaled to
// JSON and the timestamp taken from now. A nil payload leaves the
// payload field empty.
func New(messageType string, payload any, now time.Time) (Message, error) {
	message := Message{
		Type:      messageType,
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("wire: marshal %s payload: %w", messageType, err)
		}
		message.Payload = raw
	}
	return message, nil
}

// Encode serializes a message to a single JSON text frame.
func Encode(message Message) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s message: %w", message.Type, err)
	}
	return data, nil
}

// Decode parses one JSON text frame. A frame without a type field is
// malformed — callers log and drop it, keeping the connection alive.
func Decode(data []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("wire: malformed frame: %w", err)
	}
	if message.Type == "" {
		return Message{}, fmt.Errorf("wire: frame missing type field")
	}
	return message, nil
}

// DecodePayload unmarshals the message payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("wire: %s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", m.Type, err)
	}
	return nil
}

// IsLiveness reports whether the type is internal liveness chatter
// (heartbeats and relay connectivity mirroring). Packet logs exclude
// these — they are not user-visible traffic.
func IsLiveness(messageType string) bool {
	switch messageType {
	case TypePing, TypePong, TypeRelayStatus:
		return true
	}
	return false
}
