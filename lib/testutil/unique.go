// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a process-unique identifier with the given prefix,
// e.g. "blob-17". Monotonic within a test binary, so concurrent tests
// never collide.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
