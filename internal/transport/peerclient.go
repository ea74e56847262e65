/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"concord/internal/cerrors"
	"concord/internal/compression"
	"concord/internal/logging"
	"concord/internal/types"
)

// PartitionFilter is a per-node concurrent set of blocked peer ids,
// consulted inside the peer client's send path before every outbound RPC.
// It is a test affordance, not a network device: readers never block
// writers.
type PartitionFilter struct {
	mu      sync.RWMutex
	blocked map[int]bool
}

func NewPartitionFilter() *PartitionFilter {
	return &PartitionFilter{blocked: make(map[int]bool)}
}

// SetBlocked replaces the entire blocked-peers set.
func (f *PartitionFilter) SetBlocked(ids []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = make(map[int]bool, len(ids))
	for _, id := range ids {
		f.blocked[id] = true
	}
}

// IsBlocked reports whether peer is currently partitioned away from this
// node.
func (f *PartitionFilter) IsBlocked(peerID int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.blocked[peerID]
}

// Result is the outcome of one RPC call: exactly one of Reply or Err is
// meaningful. Dropped, timed-out, and transport-failed calls are
// indistinguishable to the caller -- all surface as a non-nil Err.
type Result struct {
	PeerID int
	Reply  []byte
	Err    error
}

// PeerClient is one logical RPC client per peer, gating every call through
// a PartitionFilter and a per-call deadline.
type PeerClient struct {
	self       int
	filter     *PartitionFilter
	compressor *compression.Compressor
	logger     *logging.Logger
	tlsConfig  *tls.Config
}

func NewPeerClient(self int, filter *PartitionFilter, compressor *compression.Compressor) *PeerClient {
	return &PeerClient{
		self:       self,
		filter:     filter,
		compressor: compressor,
		logger:     logging.NewLogger("peerclient"),
	}
}

// SetTLSConfig enables TLS for outbound RPCs. Peers are expected to
// present a certificate this config's RootCAs (or InsecureSkipVerify for
// the self-signed single-cluster case) will accept.
func (c *PeerClient) SetTLSConfig(cfg *tls.Config) {
	c.tlsConfig = cfg
}

// Call issues a single RPC to peer and returns its reply payload.
// "Dropped" (blocked by the partition filter), "timeout", and "transport
// error" are all reported identically as a non-nil error -- the caller
// treats every one of them as "no answer this round".
func (c *PeerClient) Call(ctx context.Context, peer types.Peer, msgType MessageType, request interface{}) ([]byte, error) {
	if c.filter.IsBlocked(peer.ID) {
		return nil, cerrors.NewTransportError("peer is partitioned away")
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, cerrors.NewTransportError("failed to encode request: " + err.Error())
	}

	deadline, hasDeadline := ctx.Deadline()
	dialTimeout := 100 * time.Millisecond
	if hasDeadline {
		if remaining := time.Until(deadline); remaining > 0 {
			dialTimeout = remaining
		}
	}

	d := net.Dialer{Timeout: dialTimeout}
	var conn net.Conn
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(&d, "tcp", peer.Addr(), c.tlsConfig)
	} else {
		conn, err = d.DialContext(ctx, "tcp", peer.Addr())
	}
	if err != nil {
		return nil, cerrors.NewTransportError("dial failed: " + err.Error())
	}
	defer conn.Close()

	if hasDeadline {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(dialTimeout))
	}

	if err := WriteFrame(conn, msgType, payload, c.compressor); err != nil {
		return nil, cerrors.NewTransportError("write failed: " + err.Error())
	}

	frame, err := ReadFrame(conn, c.compressor)
	if err != nil {
		return nil, cerrors.NewTransportError("read failed: " + err.Error())
	}

	return frame.Payload, nil
}

// Broadcast issues msgType/request to every peer concurrently, with an
// overall deadline inherited from ctx, and returns one Result per peer in
// the order of peers. It returns only after every call has finished or
// failed; it does not return early once a quorum has answered. There are
// no retries at this layer -- callers decide whether and when to re-send.
func (c *PeerClient) Broadcast(ctx context.Context, peers []types.Peer, msgType MessageType, request interface{}) []Result {
	results := make([]Result, len(peers))
	g, gctx := errgroup.WithContext(ctx)

	for i, peer := range peers {
		i, peer := i, peer
		g.Go(func() error {
			reply, err := c.Call(gctx, peer, msgType, request)
			results[i] = Result{PeerID: peer.ID, Reply: reply, Err: err}
			return nil // a failed RPC to one peer must never cancel the others
		})
	}

	_ = g.Wait()
	return results
}
