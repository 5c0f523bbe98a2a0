// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
)

// Transfer failure strings carried in blob_ack error fields. Protocol
// constants, not Go errors: they cross the wire.
const (
	ErrorIncompleteChunks = "incomplete_chunks"
	ErrorChecksumMismatch = "checksum_mismatch"
	ErrorUnknownBlob      = "unknown_blob"
)

// inflight accumulates one transfer. Chunks land by index, so gaps
// and reordering are visible at blob_end.
type inflight struct {
	filename  string
	mime      string
	totalSize int
	chunks    map[int][]byte
	received  int
}

// transferKey scopes an in-flight transfer to its owning connection,
// so two connections using the same blob id never collide and a
// disconnect can release exactly its own buffers.
type transferKey struct {
	owner  string
	blobID string
}

// Receiver reassembles incoming blob transfers. One Receiver serves
// all connections of a process; buffers live only between blob_start
// and blob_end (or the owner's disconnect). Safe for concurrent use.
type Receiver struct {
	mu       sync.Mutex
	inflight map[transferKey]*inflight
	logger   *slog.Logger
}

// NewReceiver returns an empty Receiver. A nil logger means
// slog.Default().
func NewReceiver(logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		inflight: make(map[transferKey]*inflight),
		logger:   logger,
	}
}

// Start opens a transfer for the given owning connection. A repeated
// blob_start for the same id restarts the transfer from scratch.
func (r *Receiver) Start(owner string, payload StartPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[transferKey{owner, payload.BlobID}] = &inflight{
		filename:  payload.Filename,
		mime:      payload.Mime,
		totalSize: payload.TotalSize,
		chunks:    make(map[int][]byte),
	}
	r.logger.Debug("blob transfer started",
		"blob_id", payload.BlobID,
		"filename", payload.Filename,
		"total_size", payload.TotalSize,
	)
}

// Chunk stores one slice. Chunks for unknown transfers and undecodable
// data are errors the caller logs; they do not abort anything — the
// verdict comes at blob_end.
func (r *Receiver) Chunk(owner string, payload ChunkPayload) error {
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return fmt.Errorf("transfer: chunk %d of blob %s: bad base64: %w", payload.Index, payload.BlobID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.inflight[transferKey{owner, payload.BlobID}]
	if !ok {
		return fmt.Errorf("transfer: chunk for unknown blob %s", payload.BlobID)
	}
	if previous, exists := transfer.chunks[payload.Index]; exists {
		transfer.received -= len(previous)
	}
	transfer.chunks[payload.Index] = data
	transfer.received += len(data)
	return nil
}

// End closes a transfer and returns the verdict. On success the
// reassembled blob is returned alongside a positive ack. On any
// failure (missing chunks, checksum mismatch, unknown blob) the
// partial buffer is discarded and the ack says why. Either way the
// transfer's memory is released before End returns.
func (r *Receiver) End(owner string, payload EndPayload) (*Blob, AckPayload) {
	r.mu.Lock()
	key := transferKey{owner, payload.BlobID}
	transfer, ok := r.inflight[key]
	delete(r.inflight, key)
	r.mu.Unlock()

	if !ok {
		return nil, AckPayload{BlobID: payload.BlobID, Error: ErrorUnknownBlob}
	}

	// Every declared chunk must have arrived: a hole is a failed
	// transfer, never a silently short file.
	data := make([]byte, 0, transfer.received)
	for index := 0; index < payload.TotalChunks; index++ {
		chunk, ok := transfer.chunks[index]
		if !ok {
			r.logger.Warn("blob transfer incomplete",
				"blob_id", payload.BlobID,
				"missing_chunk", index,
				"declared_chunks", payload.TotalChunks,
			)
			return nil, AckPayload{BlobID: payload.BlobID, Error: ErrorIncompleteChunks}
		}
		data = append(data, chunk...)
	}

	if got := Checksum(data); got != payload.Checksum {
		r.logger.Warn("blob transfer checksum mismatch",
			"blob_id", payload.BlobID,
			"want", payload.Checksum,
			"got", got,
		)
		return nil, AckPayload{BlobID: payload.BlobID, Error: ErrorChecksumMismatch}
	}

	return &Blob{
		ID:       payload.BlobID,
		Filename: transfer.filename,
		Mime:     transfer.mime,
		Data:     data,
	}, AckPayload{BlobID: payload.BlobID, Success: true}
}

// Drop releases every in-flight buffer owned by the given connection.
// Called on disconnect so churn cannot accumulate abandoned transfers.
func (r *Receiver) Drop(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.inflight {
		if key.owner == owner {
			delete(r.inflight, key)
		}
	}
}

// Pending returns the number of in-flight transfers, for tests and
// status reporting.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
