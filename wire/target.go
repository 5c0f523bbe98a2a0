// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/pylonhq/pylon/lib/identity"
)

// Endpoint is one routing destination. A zero Role matches any
// authenticated connection with the index, which is what a bare
// integer target on the wire means.
type Endpoint struct {
	DeviceIndex int           `json:"deviceIndex"`
	Role        identity.Role `json:"role,omitempty"`
}

// Matches reports whether the endpoint addresses the given identity.
func (e Endpoint) Matches(id Identity) bool {
	if e.DeviceIndex != id.DeviceIndex {
		return false
	}
	return e.Role == "" || e.Role == id.Role
}

// Target is the decoded form of the envelope's to field. On the wire
// it may be a bare device index, a {deviceIndex, role} object, or an
// array mixing both; all three normalize to a list of endpoints.
type Target struct {
	endpoints []Endpoint
}

// NewTarget builds a target from explicit endpoints.
func NewTarget(endpoints ...Endpoint) *Target {
	return &Target{endpoints: endpoints}
}

// ToIndex builds a target addressing a bare device index (any role).
func ToIndex(deviceIndex int) *Target {
	return NewTarget(Endpoint{DeviceIndex: deviceIndex})
}

// ToIdentity builds a target addressing one exact identity.
func ToIdentity(id Identity) *Target {
	return NewTarget(Endpoint{DeviceIndex: id.DeviceIndex, Role: id.Role})
}

// Endpoints returns the normalized destination list. Never nil for a
// decoded target; empty only for the zero value.
func (t *Target) Endpoints() []Endpoint {
	if t == nil {
		return nil
	}
	return t.endpoints
}

// UnmarshalJSON accepts the three wire forms of a routing target.
func (t *Target) UnmarshalJSON(data []byte) error {
	// Try the array form first; each element is a number or object.
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		endpoints := make([]Endpoint, 0, len(raw))
		for _, element := range raw {
			endpoint, err := decodeEndpoint(element)
			if err != nil {
				return err
			}
			endpoints = append(endpoints, endpoint)
		}
		t.endpoints = endpoints
		return nil
	}

	endpoint, err := decodeEndpoint(data)
	if err != nil {
		return err
	}
	t.endpoints = []Endpoint{endpoint}
	return nil
}

// MarshalJSON emits the most compact wire form: a bare number for a
// single role-less endpoint, an object for a single exact identity,
// an array otherwise.
func (t *Target) MarshalJSON() ([]byte, error) {
	if len(t.endpoints) == 1 {
		return marshalEndpoint(t.endpoints[0])
	}
	elements := make([]json.RawMessage, len(t.endpoints))
	for i, endpoint := range t.endpoints {
		data, err := marshalEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		elements[i] = data
	}
	return json.Marshal(elements)
}

func decodeEndpoint(data []byte) (Endpoint, error) {
	var index int
	if err := json.Unmarshal(data, &index); err == nil {
		return Endpoint{DeviceIndex: index}, nil
	}
	var endpoint Endpoint
	if err := json.Unmarshal(data, &endpoint); err != nil {
		return Endpoint{}, fmt.Errorf("wire: routing target must be an index or {deviceIndex, role}: %w", err)
	}
	return endpoint, nil
}

func marshalEndpoint(endpoint Endpoint) (json.RawMessage, error) {
	if endpoint.Role == "" {
		return json.Marshal(endpoint.DeviceIndex)
	}
	return json.Marshal(endpoint)
}
