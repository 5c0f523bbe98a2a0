// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes CBOR encoding configuration.
//
// The packet log (and any other binary record stream) uses Core
// Deterministic Encoding so identical records are byte-identical
// regardless of which process wrote them. Consumers import this
// package rather than fxamacker/cbor directly, keeping the encoder
// options in one place.
package codec
