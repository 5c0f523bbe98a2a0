// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"
	"sync"
)

// ErrNoFreeIndex is returned by Assign when all client index slots are
// taken. A capacity condition, not a crash: the caller reports it to
// the connecting client and the relay keeps running.
var ErrNoFreeIndex = errors.New("identity: all client indexes in use")

// ClientIndexAllocator hands out client device indexes from the 16-slot
// space. Assign always returns the smallest free index; Release returns
// an index to the pool immediately, so a reconnecting client tends to
// get its old number back.
//
// Assign-then-register must be atomic with respect to concurrent
// authentications — the allocator carries its own mutex, and the
// router additionally serializes all state mutation, so two clients
// can never race for the same slot.
type ClientIndexAllocator struct {
	mu   sync.Mutex
	used uint16 // bit n set = index n assigned
}

// Assign claims and returns the smallest unused index. Returns
// ErrNoFreeIndex when the space is exhausted.
func (a *ClientIndexAllocator) Assign() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for n := MinClientIndex; n <= MaxClientIndex; n++ {
		bit := uint16(1) << n
		if a.used&bit == 0 {
			a.used |= bit
			return n, nil
		}
	}
	return 0, ErrNoFreeIndex
}

// Claim marks a specific index as assigned. Returns false when n is
// out of range or already taken. Used when a client asks to keep the
// index it held before a reconnect.
func (a *ClientIndexAllocator) Claim(n int) bool {
	if !ValidClientIndex(n) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bit := uint16(1) << n
	if a.used&bit != 0 {
		return false
	}
	a.used |= bit
	return true
}

// Release returns index n to the free pool. Idempotent: releasing an
// unassigned or out-of-range index is a no-op.
func (a *ClientIndexAllocator) Release(n int) {
	if !ValidClientIndex(n) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used &^= uint16(1) << n
}

// InUse reports whether index n is currently assigned.
func (a *ClientIndexAllocator) InUse(n int) bool {
	if !ValidClientIndex(n) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used&(uint16(1)<<n) != 0
}

// Assigned returns the currently assigned indexes in ascending order.
func (a *ClientIndexAllocator) Assigned() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for n := MinClientIndex; n <= MaxClientIndex; n++ {
		if a.used&(uint16(1)<<n) != 0 {
			out = append(out, n)
		}
	}
	return out
}
