// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/pylonhq/pylon/wire"
)

// ChunkSize is the pre-encoding slice size: 64 KiB of raw bytes is
// ~87 KB after base64 expansion, comfortably under typical WebSocket
// message-size ceilings.
const ChunkSize = 65536

// Blob is one binary payload moved through the sub-protocol.
type Blob struct {
	ID       string
	Filename string
	Mime     string
	Data     []byte
}

// NewBlob wraps data for sending, minting a fresh blob id.
func NewBlob(filename, mime string, data []byte) Blob {
	return Blob{
		ID:       uuid.NewString(),
		Filename: filename,
		Mime:     mime,
		Data:     data,
	}
}

// StartPayload opens a transfer.
type StartPayload struct {
	BlobID    string `json:"blobId"`
	Filename  string `json:"filename"`
	TotalSize int    `json:"totalSize"`
	Mime      string `json:"mime,omitempty"`
}

// ChunkPayload carries one base64-encoded slice. Index is explicit so
// the receiver never depends on arrival order.
type ChunkPayload struct {
	BlobID string `json:"blobId"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
}

// EndPayload closes a transfer. Checksum is the hex BLAKE3 digest of
// the whole payload.
type EndPayload struct {
	BlobID      string `json:"blobId"`
	TotalChunks int    `json:"totalChunks"`
	Checksum    string `json:"checksum"`
}

// AckPayload is the receiver's verdict.
type AckPayload struct {
	BlobID  string `json:"blobId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Checksum returns the hex-encoded BLAKE3 digest of data. Both sides
// compute it over the full reassembled payload.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Split produces the full outgoing message sequence for a blob:
// blob_start, one blob_chunk per 64 KiB slice, blob_end. The caller
// sets routing fields before sending. An empty blob yields zero
// chunks and TotalChunks 0, which the receiver accepts.
func Split(blob Blob, now time.Time) ([]wire.Message, error) {
	totalChunks := (len(blob.Data) + ChunkSize - 1) / ChunkSize

	messages := make([]wire.Message, 0, totalChunks+2)

	start, err := wire.New(wire.TypeBlobStart, StartPayload{
		BlobID:    blob.ID,
		Filename:  blob.Filename,
		TotalSize: len(blob.Data),
		Mime:      blob.Mime,
	}, now)
	if err != nil {
		return nil, err
	}
	messages = append(messages, start)

	for index := 0; index < totalChunks; index++ {
		low := index * ChunkSize
		high := min(low+ChunkSize, len(blob.Data))
		chunk, err := wire.New(wire.TypeBlobChunk, ChunkPayload{
			BlobID: blob.ID,
			Index:  index,
			Data:   base64.StdEncoding.EncodeToString(blob.Data[low:high]),
		}, now)
		if err != nil {
			return nil, err
		}
		messages = append(messages, chunk)
	}

	end, err := wire.New(wire.TypeBlobEnd, EndPayload{
		BlobID:      blob.ID,
		TotalChunks: totalChunks,
		Checksum:    Checksum(blob.Data),
	}, now)
	if err != nil {
		return nil, err
	}
	messages = append(messages, end)

	return messages, nil
}

// IsBlobType reports whether the message type belongs to the transfer
// sub-protocol.
func IsBlobType(messageType string) bool {
	switch messageType {
	case wire.TypeBlobStart, wire.TypeBlobChunk, wire.TypeBlobEnd, wire.TypeBlobAck:
		return true
	}
	return false
}
