// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/pylonhq/pylon/lib/identity"

// AuthFailureReason is the typed reason carried in a failed auth
// result. The socket is closed after a failed auth; the reason tells
// the device whether retrying can ever help.
type AuthFailureReason string

const (
	ReasonIPDenied        AuthFailureReason = "ip_denied"
	ReasonTokenInvalid    AuthFailureReason = "token_invalid"
	ReasonIndexRequired   AuthFailureReason = "index_required"
	ReasonIndexOutOfRange AuthFailureReason = "index_out_of_range"
	ReasonIndexInUse      AuthFailureReason = "index_in_use"
	ReasonNoFreeIndex     AuthFailureReason = "no_available_index"

	// ReasonUnknownConnection covers an auth attempt on a connection the
	// relay no longer tracks, e.g. one that raced its own disconnect.
	ReasonUnknownConnection AuthFailureReason = "unknown_connection"
)

// AuthRequest is the payload of the identify handshake, the first
// message on every connection. Pylons must supply DeviceIndex; clients
// leave it nil and the relay assigns one.
type AuthRequest struct {
	Role        identity.Role `json:"role"`
	DeviceIndex *int          `json:"deviceIndex,omitempty"`
	Name        string        `json:"name,omitempty"`
	MAC         string        `json:"mac,omitempty"`
	Token       string        `json:"token,omitempty"`
}

// AuthResult is the payload of the auth_result reply. On success it
// carries the resolved identity (meaningful for clients, whose index
// the relay chose) and the current device list so the endpoint starts
// with a complete online view.
type AuthResult struct {
	Success  bool              `json:"success"`
	Reason   AuthFailureReason `json:"reason,omitempty"`
	Identity *Identity         `json:"identity,omitempty"`
	Devices  []DeviceInfo      `json:"devices,omitempty"`
}

// DeviceInfo describes one authenticated device in device_status
// broadcasts and auth results.
type DeviceInfo struct {
	Identity
	Name        string `json:"name,omitempty"`
	Env         string `json:"env,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
}

// DeviceStatus is the payload of the device_status broadcast sent to
// every connection whenever the authenticated set changes.
type DeviceStatus struct {
	Devices []DeviceInfo `json:"devices"`
}

// ClientDisconnect notifies Pylons that a non-Pylon device left.
type ClientDisconnect struct {
	Identity Identity `json:"identity"`
}

// RelayStatus mirrors the Pylon's relay connectivity to local
// companion apps.
type RelayStatus struct {
	Connected bool `json:"connected"`
}
