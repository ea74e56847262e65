/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package bft3p implements BFT-3P: a pBFT-style three-phase Byzantine
// agreement (PRE_PREPARE/PREPARE/COMMIT) driving the same replicated
// key-value state machine as internal/cftlog.
package bft3p

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"concord/internal/cerrors"
	"concord/internal/decisionlog"
	"concord/internal/logging"
	"concord/internal/statemachine"
	"concord/internal/transport"
	"concord/internal/types"
)

// primaryTimeout is how long a backup waits for a PRE_PREPARE from the
// current primary before flagging it as apparently failed. Detection only
// raises a decisionlog event -- view-change reconfiguration is explicitly
// out of scope.
const primaryTimeout = 2 * time.Second

// PrePrepareMsg is the primary's assignment of a sequence number to a
// command.
type PrePrepareMsg struct {
	View     int64          `json:"view"`
	Seq      int64          `json:"seq"`
	Digest   string         `json:"digest"`
	SenderID int            `json:"sender_id"`
	Command  types.Command  `json:"command"`
}

// VoteMsg is a PREPARE or COMMIT vote for a given view/sequence/digest.
type VoteMsg struct {
	Phase    types.Phase `json:"phase"`
	View     int64       `json:"view"`
	Seq      int64       `json:"seq"`
	Digest   string      `json:"digest"`
	SenderID int         `json:"sender_id"`
}

// seqState is the per-sequence-number agreement state, collapsed into one
// struct guarded by the owning BFT3P's coarse lock rather than its own
// mutexes.
type seqState struct {
	digest       string
	command      types.Command
	prepareVotes map[int]bool
	commitVotes  map[int]bool
	prepared     bool
	committed    bool
}

func (s *seqState) prepared2f(f int) bool { return len(s.prepareVotes) >= 2*f }
func (s *seqState) committed2fplus1(f int) bool {
	return s.prepared && len(s.commitVotes) >= 2*f
}

// BFT3P is one node's three-phase agreement state machine.
type BFT3P struct {
	mu sync.Mutex

	selfID    int
	peers     []types.Peer
	memberIDs []int // self + peers, sorted ascending; primary = memberIDs[view % n]
	n, f      int

	malicious bool // test-only: broadcast a tampered digest on every outbound message

	view    int64
	nextSeq int64
	states  map[int64]*seqState

	lastApplied int64

	client *transport.PeerClient
	sm     *statemachine.StateMachine
	logger *logging.Logger
	dlog   *decisionlog.Log

	progressCh chan struct{}
	stopCh     chan struct{}
	started    bool
}

// New constructs a BFT3P node. peers excludes self. malicious, when true,
// makes this node misbehave on every outbound vote -- a test affordance
// for exercising the protocol's tolerance of up to f faulty replicas.
func New(selfID int, peers []types.Peer, client *transport.PeerClient, sm *statemachine.StateMachine, dlog *decisionlog.Log, malicious bool) *BFT3P {
	members := make([]int, 0, len(peers)+1)
	members = append(members, selfID)
	for _, p := range peers {
		members = append(members, p.ID)
	}
	sort.Ints(members)

	n := len(members)
	b := &BFT3P{
		selfID:     selfID,
		peers:      peers,
		memberIDs:  members,
		n:          n,
		f:          (n - 1) / 3,
		malicious:  malicious,
		states:     make(map[int64]*seqState),
		client:     client,
		sm:         sm,
		logger:     logging.NewLogger("bft3p"),
		dlog:       dlog,
		progressCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	b.lastApplied = -1 // sequence numbers start at 0
	return b
}

// Start launches the primary-timeout detector. A no-op on a backup that
// never receives a PRE_PREPARE still fires once per timeout window; this
// stub only records a decisionlog event rather than triggering a
// view-change, since view-change reconfiguration is out of scope. Safe to
// call once.
func (b *BFT3P) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.runPrimaryTimeoutDetector()
}

// Stop signals the primary-timeout detector to exit.
func (b *BFT3P) Stop() {
	close(b.stopCh)
}

func (b *BFT3P) runPrimaryTimeoutDetector() {
	timer := time.NewTimer(primaryTimeout)
	defer timer.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.progressCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(primaryTimeout)
		case <-timer.C:
			b.mu.Lock()
			primary := b.primaryForView(b.view)
			view := b.view
			b.mu.Unlock()
			if primary != b.selfID && b.dlog != nil {
				b.dlog.Record("primary_timeout", map[string]interface{}{"node": b.selfID, "view": view, "suspected_primary": primary})
			}
			timer.Reset(primaryTimeout)
		}
	}
}

// noteProgress resets the primary-timeout window; called whenever a
// PRE_PREPARE from the current primary is accepted.
func (b *BFT3P) noteProgress() {
	select {
	case b.progressCh <- struct{}{}:
	default:
	}
}

// FaultTolerance returns f, the number of Byzantine replicas this cluster
// can tolerate while still reaching agreement.
func (b *BFT3P) FaultTolerance() int { return b.f }

func (b *BFT3P) primaryForView(view int64) int {
	return b.memberIDs[int(view)%b.n]
}

// IsPrimary reports whether this node is the primary for the current view.
func (b *BFT3P) IsPrimary() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.primaryForView(b.view) == b.selfID
}

func computeDigest(view, seq int64, cmd types.Command) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:", view, seq)
	h.Write(cmd.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// tamperedDigest returns a digest that will not match computeDigest for
// the same inputs -- used only when b.malicious is set, to simulate a
// Byzantine replica equivocating about what it agreed to.
func tamperedDigest(view, seq int64, cmd types.Command) string {
	return computeDigest(view+1, seq, cmd)
}

func (b *BFT3P) outboundDigest(view, seq int64, cmd types.Command) string {
	if b.malicious {
		return tamperedDigest(view, seq, cmd)
	}
	return computeDigest(view, seq, cmd)
}

// SubmitCommand assigns the next sequence number and drives cmd through
// PRE_PREPARE/PREPARE/COMMIT. Only the primary accepts submissions; a
// backup rejects immediately with a not-leader-style hint naming the
// current primary.
func (b *BFT3P) SubmitCommand(ctx context.Context, cmd types.Command) error {
	b.mu.Lock()
	primary := b.primaryForView(b.view)
	if primary != b.selfID {
		b.mu.Unlock()
		return cerrors.NewNotLeaderError(primary)
	}

	seq := b.nextSeq
	b.nextSeq++
	view := b.view
	digest := computeDigest(view, seq, cmd)

	st := &seqState{
		digest:       digest,
		command:      cmd,
		prepareVotes: map[int]bool{b.selfID: true}, // primary's implicit prepare
		commitVotes:  map[int]bool{},
	}
	b.states[seq] = st
	peers := append([]types.Peer(nil), b.peers...)
	b.mu.Unlock()

	msg := PrePrepareMsg{View: view, Seq: seq, Digest: b.outboundDigest(view, seq, cmd), SenderID: b.selfID, Command: cmd}
	rctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	b.client.Broadcast(rctx, peers, transport.MsgPrePrepare, msg)

	return b.waitCommitted(ctx, seq)
}

func (b *BFT3P) waitCommitted(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return cerrors.NewTransportError("timed out waiting for BFT-3P commit")
		case <-ticker.C:
			b.mu.Lock()
			st, ok := b.states[seq]
			committed := ok && st.committed
			b.mu.Unlock()
			if committed {
				return nil
			}
		}
	}
}

// HandlePrePrepare processes an inbound PRE_PREPARE. A digest mismatch or
// an out-of-view sender is dropped silently rather than surfaced as a
// protocol-fatal error.
func (b *BFT3P) HandlePrePrepare(msg PrePrepareMsg) *VoteMsg {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.View != b.view || b.primaryForView(msg.View) != msg.SenderID {
		return nil
	}
	expected := computeDigest(msg.View, msg.Seq, msg.Command)
	if msg.Digest != expected {
		b.logger.Warn("dropping PRE_PREPARE with mismatched digest", "seq", msg.Seq, "sender", msg.SenderID)
		return nil
	}

	if _, exists := b.states[msg.Seq]; exists {
		return nil // already processed this sequence number
	}

	st := &seqState{
		digest:       msg.Digest,
		command:      msg.Command,
		prepareVotes: map[int]bool{msg.SenderID: true},
		commitVotes:  map[int]bool{},
	}
	b.states[msg.Seq] = st
	b.noteProgress()

	if b.dlog != nil {
		b.dlog.Record("pre_prepare_accepted", map[string]interface{}{"node": b.selfID, "seq": msg.Seq, "view": msg.View})
	}

	vote := VoteMsg{Phase: types.Prepare, View: b.view, Seq: msg.Seq, Digest: b.outboundDigest(msg.View, msg.Seq, msg.Command), SenderID: b.selfID}
	b.maybeAdvanceLocked(msg.Seq)
	return &vote
}

// HandlePrepareVote records a PREPARE vote. Votes from the same sender are
// deduplicated by node id, per R3 (a duplicate sender counts once toward
// quorum).
func (b *BFT3P) HandlePrepareVote(msg VoteMsg) *VoteMsg {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[msg.Seq]
	if !ok || msg.View != b.view || msg.Digest != computeDigest(msg.View, msg.Seq, st.command) {
		return nil
	}

	st.prepareVotes[msg.SenderID] = true
	wasPrepared := st.prepared
	b.maybeAdvanceLocked(msg.Seq)

	if !wasPrepared && st.prepared {
		return &VoteMsg{Phase: types.Commit, View: b.view, Seq: msg.Seq, Digest: b.outboundDigest(b.view, msg.Seq, st.command), SenderID: b.selfID}
	}
	return nil
}

// HandleCommitVote records a COMMIT vote and applies the command to the
// state machine once 2f+1 matching commits are observed and every earlier
// sequence number has already been applied (strict sequential apply).
func (b *BFT3P) HandleCommitVote(msg VoteMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[msg.Seq]
	if !ok || msg.View != b.view || msg.Digest != computeDigest(msg.View, msg.Seq, st.command) {
		return
	}

	st.commitVotes[msg.SenderID] = true
	b.maybeAdvanceLocked(msg.Seq)
	b.applyReadyLocked()
}

// maybeAdvanceLocked transitions st through Prepared/Committed once each of
// its recorded vote sets reaches 2f. The sets never hold this node's own
// PREPARE or COMMIT, so 2f recorded votes plus its own make the 2f+1
// quorum. Must be called with b.mu held.
func (b *BFT3P) maybeAdvanceLocked(seq int64) {
	st := b.states[seq]
	if st == nil {
		return
	}
	if !st.prepared && st.prepared2f(b.f) {
		st.prepared = true
		if b.dlog != nil {
			b.dlog.Record("prepared", map[string]interface{}{"node": b.selfID, "seq": seq})
		}
	}
	if !st.committed && st.committed2fplus1(b.f) {
		st.committed = true
		if b.dlog != nil {
			b.dlog.Record("committed", map[string]interface{}{"node": b.selfID, "seq": seq})
		}
	}
}

// applyReadyLocked applies every committed sequence number starting at
// lastApplied+1, stopping at the first gap -- this is what keeps every
// replica's state machine converging on the same command order even
// though COMMIT quorums for different sequence numbers can be reached out
// of order. Must be called with b.mu held.
func (b *BFT3P) applyReadyLocked() {
	for {
		next := b.lastApplied + 1
		st, ok := b.states[next]
		if !ok || !st.committed {
			return
		}
		b.sm.Apply(st.command)
		b.lastApplied = next
	}
}

// Broadcast is a thin wrapper used by internal/node to fan a locally
// produced PREPARE or COMMIT vote out to every peer.
func (b *BFT3P) Broadcast(ctx context.Context, msgType transport.MessageType, vote VoteMsg) {
	b.mu.Lock()
	peers := append([]types.Peer(nil), b.peers...)
	b.mu.Unlock()
	b.client.Broadcast(ctx, peers, msgType, vote)
}
