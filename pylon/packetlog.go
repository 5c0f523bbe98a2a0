// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/lib/codec"
	"github.com/pylonhq/pylon/wire"
)

// PacketRecord is one audit-log entry: a routed frame with capture
// metadata. Liveness frames (ping, pong, relay_status) never appear;
// at one heartbeat per ten seconds they would dominate the log while
// saying nothing.
type PacketRecord struct {
	// Time is capture time in Unix milliseconds.
	Time int64 `cbor:"time"`

	// Direction is "in" (from a companion app or the relay) or "out".
	Direction string `cbor:"direction"`

	// Type mirrors the frame's message type for filtering without
	// decoding Frame.
	Type string `cbor:"type"`

	// Frame is the full encoded message.
	Frame []byte `cbor:"frame"`
}

// PacketLog appends routed frames to a zstd-compressed CBOR stream.
// Safe for concurrent use.
type PacketLog struct {
	clock clock.Clock

	mu         sync.Mutex
	file       *os.File
	compressor *zstd.Encoder
	closed     bool
}

// OpenPacketLog creates or truncates the audit log at path.
func OpenPacketLog(path string, clk clock.Clock) (*PacketLog, error) {
	if clk == nil {
		clk = clock.Real()
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pylon: open packet log: %w", err)
	}
	compressor, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pylon: packet log compressor: %w", err)
	}
	return &PacketLog{clock: clk, file: file, compressor: compressor}, nil
}

// Record appends one frame. Liveness traffic is silently skipped, and
// writes after Close are no-ops.
func (l *PacketLog) Record(direction string, message wire.Message) {
	if wire.IsLiveness(message.Type) {
		return
	}
	frame, err := wire.Encode(message)
	if err != nil {
		return
	}
	record := PacketRecord{
		Time:      l.clock.Now().UnixMilli(),
		Direction: direction,
		Type:      message.Type,
		Frame:     frame,
	}
	encoded, err := codec.Marshal(record)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	_, _ = l.compressor.Write(encoded)
}

// Close flushes the compressed stream and closes the file.
func (l *PacketLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.compressor.Close()
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// ReadPacketLog decodes every record from an audit log written by
// [PacketLog].
func ReadPacketLog(path string) ([]PacketRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pylon: open packet log: %w", err)
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("pylon: packet log decompressor: %w", err)
	}
	defer decompressor.Close()

	var records []PacketRecord
	decoder := codec.NewDecoder(decompressor)
	for {
		var record PacketRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("pylon: packet log record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
