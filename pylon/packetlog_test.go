// Copyright 2026 The Pylon Authors
// SPDX-License-Identifier: Apache-2.0

package pylon

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pylonhq/pylon/lib/clock"
	"github.com/pylonhq/pylon/wire"
)

func TestPacketLogExcludesLivenessTraffic(t *testing.T) {
	fc := clock.Fake(time.Unix(1700000000, 0))
	path := filepath.Join(t.TempDir(), "audit.cbor.zst")

	log, err := OpenPacketLog(path, fc)
	if err != nil {
		t.Fatal(err)
	}

	command, err := wire.New(TypeCommand, CommandPayload{Text: "run tests"}, fc.Now())
	if err != nil {
		t.Fatal(err)
	}
	ping, err := wire.New(wire.TypePing, nil, fc.Now())
	if err != nil {
		t.Fatal(err)
	}
	status, err := wire.New(wire.TypeRelayStatus, wire.RelayStatus{Connected: true}, fc.Now())
	if err != nil {
		t.Fatal(err)
	}
	event, err := wire.New(TypeEvent, EventPayload{Kind: "text", Text: "ok"}, fc.Now())
	if err != nil {
		t.Fatal(err)
	}

	log.Record("in", command)
	log.Record("out", ping)          // liveness, skipped
	log.Record("out", status)        // liveness, skipped
	fc.Advance(42 * time.Millisecond)
	log.Record("out", event)

	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	records, err := ReadPacketLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (liveness excluded)", len(records))
	}
	if records[0].Type != TypeCommand || records[0].Direction != "in" {
		t.Errorf("record 0 = %s/%s, want in/%s", records[0].Direction, records[0].Type, TypeCommand)
	}
	if records[1].Type != TypeEvent || records[1].Direction != "out" {
		t.Errorf("record 1 = %s/%s, want out/%s", records[1].Direction, records[1].Type, TypeEvent)
	}
	if records[1].Time-records[0].Time != 42 {
		t.Errorf("capture time delta = %dms, want 42ms", records[1].Time-records[0].Time)
	}

	// The stored frame decodes back to the original message.
	decoded, err := wire.Decode(records[0].Frame)
	if err != nil {
		t.Fatalf("decode stored frame: %v", err)
	}
	var payload CommandPayload
	if err := decoded.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Text != "run tests" {
		t.Errorf("stored payload text = %q, want %q", payload.Text, "run tests")
	}
}

func TestPacketLogRecordAfterCloseIsNoOp(t *testing.T) {
	fc := clock.Fake(time.Unix(1700000000, 0))
	path := filepath.Join(t.TempDir(), "audit.cbor.zst")

	log, err := OpenPacketLog(path, fc)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	message, err := wire.New(TypeCommand, CommandPayload{Text: "late"}, fc.Now())
	if err != nil {
		t.Fatal(err)
	}
	log.Record("in", message)

	records, err := ReadPacketLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("got %d records after close, want 0", len(records))
	}
}
