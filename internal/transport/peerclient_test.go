/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"concord/internal/compression"
	"concord/internal/types"
)

func TestPartitionFilterBlocksOutboundCalls(t *testing.T) {
	filter := NewPartitionFilter()
	filter.SetBlocked([]int{2})

	client := NewPeerClient(1, filter, nil)
	peer := types.Peer{ID: 2, Host: "127.0.0.1", Port: 1} // port unreachable; blocked before dial

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.Call(ctx, peer, MsgPing, struct{}{}); err == nil {
		t.Fatal("expected Call to a blocked peer to return an error")
	}
}

func TestCallRoundTripsOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := ReadFrame(conn, nil)
		if err != nil {
			return
		}
		WriteFrame(conn, frame.Header.Type, []byte(`{"ok":true}`), nil)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	filter := NewPartitionFilter()
	client := NewPeerClient(1, filter, nil)
	peer := types.Peer{ID: 2, Host: "127.0.0.1", Port: addr.Port}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, peer, MsgPing, struct{}{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(reply) != `{"ok":true}` {
		t.Errorf("reply = %q, want {\"ok\":true}", reply)
	}
}

// TestCallCompressesOversizeRequestsAndReplies wires a real compressor into
// both ends, matching the node's production client/server construction,
// and checks a large payload still round-trips (rather than only ever
// exercising the nil-compressor path every other test in this file uses).
func TestCallCompressesOversizeRequestsAndReplies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start listener: %v", err)
	}
	defer ln.Close()

	serverComp := compression.NewCompressor(compression.DefaultConfig())
	bigPayload := []byte(`{"value":"` + strings.Repeat("x", 512) + `"}`)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		frame, err := ReadFrame(conn, serverComp)
		if err != nil {
			return
		}
		if len(frame.Payload) < 512 {
			return
		}
		WriteFrame(conn, frame.Header.Type, bigPayload, serverComp)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	filter := NewPartitionFilter()
	client := NewPeerClient(1, filter, compression.NewCompressor(compression.DefaultConfig()))
	peer := types.Peer{ID: 2, Host: "127.0.0.1", Port: addr.Port}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := client.Call(ctx, peer, MsgSubmitCommand, string(bigPayload))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(reply) != string(bigPayload) {
		t.Errorf("reply len = %d, want %d matching the uncompressed payload", len(reply), len(bigPayload))
	}
}

func TestBroadcastCollectsAllResults(t *testing.T) {
	filter := NewPartitionFilter()
	filter.SetBlocked([]int{3})
	client := NewPeerClient(1, filter, nil)

	peers := []types.Peer{
		{ID: 2, Host: "127.0.0.1", Port: 1},
		{ID: 3, Host: "127.0.0.1", Port: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	results := client.Broadcast(ctx, peers, MsgPing, struct{}{})
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("peer %d: expected error (unreachable or blocked), got nil", r.PeerID)
		}
	}
}
