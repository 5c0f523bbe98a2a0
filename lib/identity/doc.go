// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines Pylon's numeric device identities and the
// values derived from them.
//
// Every connected device carries a small per-role index: Pylons own a
// fixed, operator-assigned index in 1..15; clients are handed the
// smallest free index in 0..15 by the relay's [ClientIndexAllocator]
// and give it back on disconnect. A Pylon's global id packs a two-bit
// environment tag above its index (envID<<5 | index), and conversation
// ids pack a 17-bit per-Pylon sequence below the global id
// (globalID<<17 | seq).
//
// Validity checks are pure predicates; the allocator and the
// conversation counter are the only stateful types, both safe for
// concurrent use. The allocator is the single place client indexes are
// minted — nothing else in the system assigns one.
package identity
