// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Pylon packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with a time.After fallback) so
// individual tests never hang forever on a channel that a bug left
// silent. These helpers are the only place the test suite touches the
// real wall clock; everything timer-driven goes through lib/clock's
// fake.
//
// [UniqueID] returns monotonically increasing identifiers for tests
// that need distinguishable request ids or blob ids without reaching
// for time.Now.
//
// All helpers call t.Fatalf on failure rather than returning errors;
// test setup failures are not recoverable.
package testutil
