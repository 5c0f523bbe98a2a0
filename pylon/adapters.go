// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"context"
	"sort"
	"sync"
)

// CommandPayload is the shape of application command frames
// ("claude_send" and friends) the daemon forwards to its agent. The
// relay never decodes these; only the Pylon end does.
type CommandPayload struct {
	// Conversation is the conversation id the command belongs to; zero
	// starts a new conversation.
	Conversation int64 `json:"conversation,omitempty"`

	// Text is the user's prompt or command body.
	Text string `json:"text"`
}

// EventPayload is the shape of agent output frames routed back to the
// requesting client.
type EventPayload struct {
	Conversation int64 `json:"conversation"`

	// Kind distinguishes output flavors (text, error, done, ...).
	Kind string `json:"kind"`

	Text string `json:"text,omitempty"`
}

// Agent is the seam to the AI-agent integration. Implementations run
// commands and produce events; the daemon routes both. Handle blocks
// for the duration of the command; the daemon calls it off the
// transport goroutines.
type Agent interface {
	Handle(ctx context.Context, command CommandPayload) (EventPayload, error)
}

// ConversationRecord is persisted conversation metadata the daemon
// answers list queries from.
type ConversationRecord struct {
	ID        int64  `json:"id"`
	Workspace string `json:"workspace"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ConversationStore is the seam to the daemon's persistence layer. It
// has no routing involvement; the daemon consults it only to answer
// metadata queries from clients.
type ConversationStore interface {
	Conversations() ([]ConversationRecord, error)
	Workspaces() ([]string, error)
}

// EchoAgent answers every command with its own text. It stands in for
// a real agent in tests and in daemons run without an integration.
type EchoAgent struct{}

func (EchoAgent) Handle(_ context.Context, command CommandPayload) (EventPayload, error) {
	return EventPayload{
		Conversation: command.Conversation,
		Kind:         "text",
		Text:         command.Text,
	}, nil
}

// MemoryConversationStore is an in-memory ConversationStore.
type MemoryConversationStore struct {
	mu      sync.Mutex
	records map[int64]ConversationRecord
}

// NewMemoryConversationStore returns an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{records: make(map[int64]ConversationRecord)}
}

// Put inserts or replaces one conversation record.
func (s *MemoryConversationStore) Put(record ConversationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
}

// Conversations lists records newest-first.
func (s *MemoryConversationStore) Conversations() ([]ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]ConversationRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt > records[j].UpdatedAt
	})
	return records, nil
}

// Workspaces lists distinct workspace paths, sorted.
func (s *MemoryConversationStore) Workspaces() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, record := range s.records {
		if record.Workspace != "" {
			seen[record.Workspace] = struct{}{}
		}
	}
	workspaces := make([]string, 0, len(seen))
	for workspace := range seen {
		workspaces = append(workspaces, workspace)
	}
	sort.Strings(workspaces)
	return workspaces, nil
}
