/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package transport

import (
	"bytes"
	"testing"

	"concord/internal/compression"
)

func TestWriteAndReadHeader(t *testing.T) {
	tests := []struct {
		name   string
		header Header
	}{
		{
			name:   "AppendEntries",
			header: Header{Magic: MagicByte, Version: ProtocolVersion, Type: MsgAppendEntries, Flags: FlagNone, Length: 100},
		},
		{
			name:   "PrePrepare compressed",
			header: Header{Magic: MagicByte, Version: ProtocolVersion, Type: MsgPrePrepare, Flags: FlagCompressed, Length: 1000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := WriteHeader(buf, tt.header); err != nil {
				t.Fatalf("WriteHeader failed: %v", err)
			}
			got, err := ReadHeader(buf)
			if err != nil {
				t.Fatalf("ReadHeader failed: %v", err)
			}
			if got != tt.header {
				t.Errorf("ReadHeader() = %+v, want %+v", got, tt.header)
			}
		})
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := new(bytes.Buffer)
	WriteHeader(buf, Header{Magic: 0xAB, Version: ProtocolVersion, Type: MsgPing, Length: 0})
	if _, err := ReadHeader(buf); err != ErrInvalidMagic {
		t.Fatalf("ReadHeader() error = %v, want ErrInvalidMagic", err)
	}
}

func TestWriteReadFrameRoundTrips(t *testing.T) {
	buf := new(bytes.Buffer)
	payload := []byte(`{"term":1,"candidate_id":2}`)

	if err := WriteFrame(buf, MsgRequestVote, payload, nil); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	frame, err := ReadFrame(buf, nil)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Header.Type != MsgRequestVote {
		t.Errorf("Type = %v, want MsgRequestVote", frame.Header.Type)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Payload = %q, want %q", frame.Payload, payload)
	}
}

func TestWriteReadFrameWithCompression(t *testing.T) {
	cfg := compression.DefaultConfig()
	cfg.MinSize = 0
	c := compression.NewCompressor(cfg)

	buf := new(bytes.Buffer)
	payload := bytes.Repeat([]byte("entry-payload-data "), 50)

	if err := WriteFrame(buf, MsgAppendEntries, payload, c); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	frame, err := ReadFrame(buf, c)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Error("decompressed payload does not match original")
	}
}
