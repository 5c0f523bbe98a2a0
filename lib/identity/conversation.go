// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import "sync"

// Conversation id layout: the owning Pylon's global id sits above a
// 17-bit per-Pylon sequence. Extracting the owner is a plain shift and
// must hold for every sequence value, including the maximum.
const (
	sequenceBits = 17

	// SequenceMask isolates the sequence portion of a conversation id.
	SequenceMask = 1<<sequenceBits - 1
)

// ConversationID composes a conversation id from a Pylon global id and
// a sequence number. Only the low 17 bits of seq are used.
func ConversationID(globalID int, seq int) int64 {
	return int64(globalID)<<sequenceBits | int64(seq&SequenceMask)
}

// PylonFromConversation returns the global id of the Pylon that owns
// the conversation.
func PylonFromConversation(id int64) int {
	return int(id >> sequenceBits)
}

// ConversationCounter mints conversation ids for one Pylon. The
// sequence grows monotonically and wraps at 2^17; by then the earliest
// conversations of the same Pylon are long dead, so reuse is harmless.
// Safe for concurrent use.
type ConversationCounter struct {
	mu       sync.Mutex
	globalID int
	seq      int
}

// NewConversationCounter returns a counter for the Pylon with the
// given global id, starting at sequence 0.
func NewConversationCounter(globalID int) *ConversationCounter {
	return &ConversationCounter{globalID: globalID}
}

// Next returns the next conversation id.
func (c *ConversationCounter) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ConversationID(c.globalID, c.seq)
	c.seq = (c.seq + 1) & SequenceMask
	return id
}
