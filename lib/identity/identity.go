// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

// Role distinguishes the two ends of the relay. Companion apps may
// present other role strings (for example "mcp"); anything that is not
// RolePylon follows client index rules.
type Role string

const (
	// RolePylon is the device-side agent process. Pylons hold fixed,
	// operator-assigned indexes.
	RolePylon Role = "pylon"

	// RoleClient is a mobile/web/desktop consumer app. Clients are
	// assigned indexes by the relay.
	RoleClient Role = "client"
)

// Index bounds. Index 0 is reserved for clients: a Pylon index of 0
// would make the env tag of global id 0 ambiguous with "no device".
const (
	MinPylonIndex  = 1
	MaxPylonIndex  = 15
	MinClientIndex = 0
	MaxClientIndex = 15

	// ClientIndexSlots is the size of the client index space.
	ClientIndexSlots = MaxClientIndex - MinClientIndex + 1
)

// ValidPylonIndex reports whether n is a legal Pylon device index
// (1..15).
func ValidPylonIndex(n int) bool {
	return n >= MinPylonIndex && n <= MaxPylonIndex
}

// ValidClientIndex reports whether n is a legal client device index
// (0..15).
func ValidClientIndex(n int) bool {
	return n >= MinClientIndex && n <= MaxClientIndex
}

// ValidIndex applies the index rules for the given role: Pylon rules
// for RolePylon, client rules for everything else.
func ValidIndex(role Role, n int) bool {
	if role == RolePylon {
		return ValidPylonIndex(n)
	}
	return ValidClientIndex(n)
}

// envShift is the bit position of the environment tag inside a global
// id: globalID = envID<<envShift | deviceIndex.
const envShift = 5

// EnvID is the two-bit environment tag carried in the high bits of a
// Pylon's global id. It labels deployments for display only — routing
// never consults it.
type EnvID int

const (
	EnvRelease EnvID = 0
	EnvStage   EnvID = 1
	EnvDev     EnvID = 2
)

// Name returns the display name for the environment. Values outside
// the known set degrade to "release" rather than failing: an unknown
// tag from a newer deployment should still render.
func (e EnvID) Name() string {
	switch e {
	case EnvStage:
		return "stage"
	case EnvDev:
		return "dev"
	default:
		return "release"
	}
}

// EnvFromName maps a configured environment name to its tag. Unknown
// names fall back to release, mirroring Name.
func EnvFromName(name string) EnvID {
	switch name {
	case "stage":
		return EnvStage
	case "dev":
		return EnvDev
	default:
		return EnvRelease
	}
}

// GlobalID composes a Pylon's global id from its environment tag and
// device index.
func GlobalID(env EnvID, deviceIndex int) int {
	return int(env)<<envShift | deviceIndex
}

// EnvName extracts the environment tag from a Pylon global id and
// returns its display name.
func EnvName(globalID int) string {
	return EnvID(globalID >> envShift).Name()
}
