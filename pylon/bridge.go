// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"context"
	"log/slog"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/lib/identity"
	"github.com/pylonhq/pylon/transfer"
	"github.com/pylonhq/pylon/wire"
)

// Application payload types the daemon interprets. Everything else
// from the relay goes straight to the companion apps.
const (
	TypeCommand          = "claude_send"
	TypeEvent            = "claude_event"
	TypeConversationList = "conversation_list"
	TypeWorkspaceList    = "workspace_list"
)

// Sender delivers messages toward the relay. *RelayClient satisfies
// it; tests substitute a recorder.
type Sender interface {
	Send(message wire.Message)
}

// LocalBroadcaster fans a message out to attached companion apps.
// *LocalServer satisfies it.
type LocalBroadcaster interface {
	Broadcast(message wire.Message)
}

// BridgeConfig wires the daemon's message plumbing together.
type BridgeConfig struct {
	// Relay is where outbound traffic goes.
	Relay Sender

	// Local receives relay traffic the bridge does not interpret
	// itself. Optional.
	Local LocalBroadcaster

	// Agent handles command payloads. Optional; without one, commands
	// fall through to Local like any other frame.
	Agent Agent

	// Store answers conversation metadata queries. Optional.
	Store ConversationStore

	// Receiver reassembles inbound blob transfers. Optional; without
	// one, blob frames fall through to Local.
	Receiver *transfer.Receiver

	// OnBlob is called with each fully reassembled blob.
	OnBlob func(transfer.Blob)

	// Conversations mints ids for commands that start a new
	// conversation. Optional; without it, zero stays zero and the
	// agent decides.
	Conversations *identity.ConversationCounter

	// Clock defaults to clock.Real(); Logger to slog.Default().
	Clock  clock.Clock
	Logger *slog.Logger
}

// Bridge routes frames between the relay link, the companion apps, the
// agent, and the blob receiver. It owns no sockets: both transports
// call into it, which keeps the whole message path testable in-memory.
type Bridge struct {
	relay         Sender
	local         LocalBroadcaster
	agent         Agent
	store         ConversationStore
	receiver      *transfer.Receiver
	onBlob        func(transfer.Blob)
	conversations *identity.ConversationCounter
	clock         clock.Clock
	logger        *slog.Logger
}

// NewBridge builds the daemon's message plumbing.
func NewBridge(config BridgeConfig) *Bridge {
	bridge := &Bridge{
		relay:         config.Relay,
		local:         config.Local,
		agent:         config.Agent,
		store:         config.Store,
		receiver:      config.Receiver,
		onBlob:        config.OnBlob,
		conversations: config.Conversations,
		clock:         config.Clock,
		logger:        config.Logger,
	}
	if bridge.clock == nil {
		bridge.clock = clock.Real()
	}
	if bridge.logger == nil {
		bridge.logger = slog.Default()
	}
	return bridge
}

// HandleRelayMessage processes one frame from the relay: blob frames
// feed the receiver, commands go to the agent, metadata queries are
// answered from the store, and everything else fans out to the
// companion apps. Wire this to RelayClient's OnMessage.
func (b *Bridge) HandleRelayMessage(message wire.Message) {
	switch {
	case b.receiver != nil && transfer.IsBlobType(message.Type):
		b.handleBlob(message)

	case b.agent != nil && message.Type == TypeCommand:
		var command CommandPayload
		if err := message.DecodePayload(&command); err != nil {
			b.logger.Warn("dropping malformed command", "error", err)
			return
		}
		// Commands can run for minutes; never block the read loop.
		go b.runCommand(message, command)

	case b.store != nil && message.Type == TypeConversationList:
		records, err := b.store.Conversations()
		if err != nil {
			b.logger.Warn("conversation list query failed", "error", err)
			return
		}
		b.reply(message, TypeConversationList, records)

	case b.store != nil && message.Type == TypeWorkspaceList:
		workspaces, err := b.store.Workspaces()
		if err != nil {
			b.logger.Warn("workspace list query failed", "error", err)
			return
		}
		b.reply(message, TypeWorkspaceList, workspaces)

	case b.receiver != nil && message.Type == wire.TypeClientDisconnect:
		// A departed client can never finish its uploads; free the
		// buffers now instead of waiting for a blob_start restart.
		var notice wire.ClientDisconnect
		if err := message.DecodePayload(&notice); err == nil {
			b.receiver.Drop(notice.Identity.String())
		}
		if b.local != nil {
			b.local.Broadcast(message)
		}

	default:
		if b.local != nil {
			b.local.Broadcast(message)
		}
	}
}

// HandleLocalMessage forwards one companion-app frame to the relay.
// Wire this to LocalServer's OnMessage.
func (b *Bridge) HandleLocalMessage(message wire.Message) {
	b.relay.Send(message)
}

// SendBlob streams one blob through the relay to target.
func (b *Bridge) SendBlob(blob transfer.Blob, target *wire.Target) error {
	messages, err := transfer.Split(blob, b.clock.Now())
	if err != nil {
		return err
	}
	for _, message := range messages {
		message.To = target
		b.relay.Send(message)
	}
	return nil
}

func (b *Bridge) runCommand(request wire.Message, command CommandPayload) {
	if command.Conversation == 0 && b.conversations != nil {
		command.Conversation = b.conversations.Next()
	}
	event, err := b.agent.Handle(context.Background(), command)
	if err != nil {
		b.logger.Warn("agent command failed", "error", err)
		event = EventPayload{
			Conversation: command.Conversation,
			Kind:         "error",
			Text:         err.Error(),
		}
	}
	b.reply(request, TypeEvent, event)
}

func (b *Bridge) handleBlob(message wire.Message) {
	owner := "relay"
	if message.From != nil {
		owner = message.From.String()
	}

	switch message.Type {
	case wire.TypeBlobStart:
		var payload transfer.StartPayload
		if err := message.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed blob_start", "error", err)
			return
		}
		b.receiver.Start(owner, payload)

	case wire.TypeBlobChunk:
		var payload transfer.ChunkPayload
		if err := message.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed blob_chunk", "error", err)
			return
		}
		if err := b.receiver.Chunk(owner, payload); err != nil {
			b.logger.Warn("blob chunk rejected", "blob", payload.BlobID, "error", err)
		}

	case wire.TypeBlobEnd:
		var payload transfer.EndPayload
		if err := message.DecodePayload(&payload); err != nil {
			b.logger.Warn("dropping malformed blob_end", "error", err)
			return
		}
		blob, ack := b.receiver.End(owner, payload)
		b.reply(message, wire.TypeBlobAck, ack)
		if blob != nil && b.onBlob != nil {
			b.onBlob(*blob)
		}

	case wire.TypeBlobAck:
		// Acks for our own uploads; surface them to the apps.
		if b.local != nil {
			b.local.Broadcast(message)
		}
	}
}

// reply sends a response back to the frame's origin, preserving the
// request id for correlation.
func (b *Bridge) reply(request wire.Message, messageType string, payload any) {
	response, err := wire.New(messageType, payload, b.clock.Now())
	if err != nil {
		b.logger.Warn("dropping unencodable reply", "type", messageType, "error", err)
		return
	}
	response.RequestID = request.RequestID
	if request.From != nil {
		response.To = wire.ToIdentity(*request.From)
	}
	b.relay.Send(response)
}
