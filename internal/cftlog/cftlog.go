/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package cftlog implements CFT-Log: crash-fault-tolerant leader election
// and log replication, modeled on Raft. The state machine shape, election
// timer, and commit-index bubble-sort median carry a Raft lineage;
// persistence goes through internal/wal and outbound RPCs through
// internal/transport.
package cftlog

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"concord/internal/cerrors"
	"concord/internal/decisionlog"
	"concord/internal/logging"
	"concord/internal/statemachine"
	"concord/internal/transport"
	"concord/internal/types"
	"concord/internal/wal"
)

// decodeInto unmarshals raw into v, returning false (and swallowing the
// error) on failure -- a malformed reply is treated the same as no reply.
func decodeInto(raw []byte, v interface{}) bool {
	return json.Unmarshal(raw, v) == nil
}

const (
	electionTimeoutMin = 300 * time.Millisecond
	electionTimeoutMax = 600 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
	rpcDeadline        = 100 * time.Millisecond
	applyPollInterval  = 10 * time.Millisecond
)

// RequestVoteArgs is the RequestVote RPC request.
type RequestVoteArgs struct {
	Term         int `json:"term"`
	CandidateID  int `json:"candidate_id"`
	LastLogIndex int `json:"last_log_index"`
	LastLogTerm  int `json:"last_log_term"`
}

// RequestVoteReply is the RequestVote RPC reply.
type RequestVoteReply struct {
	Term    int  `json:"term"`
	Granted bool `json:"granted"`
}

// AppendEntriesArgs is the AppendEntries RPC request.
type AppendEntriesArgs struct {
	Term         int              `json:"term"`
	LeaderID     int              `json:"leader_id"`
	PrevLogIndex int              `json:"prev_log_index"`
	PrevLogTerm  int              `json:"prev_log_term"`
	Entries      []types.LogEntry `json:"entries"`
	LeaderCommit int              `json:"leader_commit"`
}

// AppendEntriesReply is the AppendEntries RPC reply.
type AppendEntriesReply struct {
	Term          int  `json:"term"`
	Success       bool `json:"success"`
	ConflictIndex int  `json:"conflict_index,omitempty"`
	ConflictTerm  int  `json:"conflict_term,omitempty"`
}

// CFTLog is one node's CFT-Log state machine: the persistent and volatile
// Raft-style state, guarded by a single coarse mutex held across each
// logical state transition. Outbound RPCs are issued outside the lock,
// using snapshots of the values each RPC needs.
type CFTLog struct {
	mu sync.Mutex

	selfID int
	peers  []types.Peer

	currentTerm int
	votedFor    *int
	log         []types.LogEntry // log[i] is the entry at index i+1

	commitIndex int
	lastApplied int
	role        types.Role

	nextIndex  map[int]int
	matchIndex map[int]int
	leaderID   *int

	// persistenceFailed is set once a WAL save fails; this is fatal and the
	// node must refuse to send further outbound protocol messages whose
	// correctness depends on the unsaved change.
	persistenceFailed bool

	wal    *wal.WAL
	sm     *statemachine.StateMachine
	client *transport.PeerClient
	logger *logging.Logger
	dlog   *decisionlog.Log

	electionReset chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup
	started       bool
}

// New loads persisted state from w (or the zero state if absent) and
// constructs a CFTLog ready to Start.
func New(selfID int, peers []types.Peer, w *wal.WAL, sm *statemachine.StateMachine, client *transport.PeerClient, dlog *decisionlog.Log) (*CFTLog, error) {
	term, votedFor, log, err := w.Load()
	if err != nil {
		return nil, err
	}

	return &CFTLog{
		selfID:        selfID,
		peers:         peers,
		currentTerm:   term,
		votedFor:      votedFor,
		log:           log,
		role:          types.Follower,
		nextIndex:     make(map[int]int),
		matchIndex:    make(map[int]int),
		wal:           w,
		sm:            sm,
		client:        client,
		logger:        logging.NewLogger("cftlog"),
		dlog:          dlog,
		electionReset: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}, nil
}

// Start launches the election timer and apply-loop workers. Safe to call
// once.
func (c *CFTLog) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.runElectionTimer()
	go c.applyLoop()
}

// Stop signals the timer and apply-loop workers to exit and waits for them.
func (c *CFTLog) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *CFTLog) GetRole() types.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *CFTLog) GetTerm() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTerm
}

func (c *CFTLog) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == types.Leader
}

// GetLeader returns the last-known leader id, if any.
func (c *CFTLog) GetLeader() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderID == nil {
		return 0, false
	}
	return *c.leaderID, true
}

func (c *CFTLog) lastLogIndex() int {
	return len(c.log) // log[0] is index 1, so len(log) is the last index
}

func (c *CFTLog) lastLogTerm() int {
	if len(c.log) == 0 {
		return 0
	}
	return c.log[len(c.log)-1].Term
}

func (c *CFTLog) termAt(index int) int {
	if index <= 0 || index > len(c.log) {
		return 0
	}
	return c.log[index-1].Term
}

// persistLocked saves current state to the WAL. Must be called with mu
// held. On failure it marks the node as unable to send further outbound
// messages until a subsequent save succeeds.
func (c *CFTLog) persistLocked() error {
	if err := c.wal.Save(c.currentTerm, c.votedFor, c.log); err != nil {
		c.persistenceFailed = true
		c.logger.Error("WAL persistence failed; node will not emit further protocol messages", "error", err)
		return err
	}
	c.persistenceFailed = false
	return nil
}

// becomeFollowerLocked steps down to Follower for the given term. Must be
// called with mu held.
func (c *CFTLog) becomeFollowerLocked(term int) {
	c.currentTerm = term
	c.role = types.Follower
	c.votedFor = nil
	if c.dlog != nil {
		c.dlog.Record("role_transition", map[string]interface{}{"node": c.selfID, "role": "Follower", "term": term})
	}
}

func (c *CFTLog) resetElectionTimer() {
	select {
	case c.electionReset <- struct{}{}:
	default:
	}
}

func randomElectionTimeout() time.Duration {
	span := electionTimeoutMax - electionTimeoutMin
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

// runElectionTimer drives the Follower/Candidate election timer, and the
// Leader's periodic heartbeat once elected.
func (c *CFTLog) runElectionTimer() {
	defer c.wg.Done()

	timer := time.NewTimer(randomElectionTimeout())
	defer timer.Stop()

	var heartbeat *time.Ticker

	for {
		select {
		case <-c.stopCh:
			if heartbeat != nil {
				heartbeat.Stop()
			}
			return

		case <-c.electionReset:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(randomElectionTimeout())

		case <-timer.C:
			if c.IsLeader() {
				timer.Reset(randomElectionTimeout())
				continue
			}
			c.startElection()
			timer.Reset(randomElectionTimeout())

		case <-tickerChan(heartbeat):
			c.sendHeartbeats()
		}

		c.mu.Lock()
		isLeader := c.role == types.Leader
		c.mu.Unlock()
		if isLeader && heartbeat == nil {
			heartbeat = time.NewTicker(heartbeatInterval)
		} else if !isLeader && heartbeat != nil {
			heartbeat.Stop()
			heartbeat = nil
		}
	}
}

// tickerChan returns t.C, or a nil channel (which blocks forever in a
// select) when t is nil -- lets runElectionTimer's select include an
// optional heartbeat ticker without a second goroutine.
func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// startElection runs the candidate path: increment term, vote for self,
// persist, and broadcast RequestVote in parallel with a per-RPC deadline.
func (c *CFTLog) startElection() {
	c.mu.Lock()
	if c.persistenceFailed {
		c.mu.Unlock()
		return
	}
	c.currentTerm++
	c.role = types.Candidate
	self := c.selfID
	c.votedFor = &self
	term := c.currentTerm
	lastIndex := c.lastLogIndex()
	lastTerm := c.lastLogTerm()
	peers := append([]types.Peer(nil), c.peers...)

	if err := c.persistLocked(); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.dlog != nil {
		c.dlog.Record("election_started", map[string]interface{}{"node": c.selfID, "term": term})
	}

	if len(peers) == 0 {
		// single-node cluster: a strict majority of 1 is itself.
		c.mu.Lock()
		if c.currentTerm == term && c.role == types.Candidate {
			c.becomeLeaderLocked()
		}
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcDeadline)
	defer cancel()

	args := RequestVoteArgs{Term: term, CandidateID: self, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	results := c.client.Broadcast(ctx, peers, transport.MsgRequestVote, args)

	grants := 1 // vote for self
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		var reply RequestVoteReply
		if !decodeInto(r.Reply, &reply) {
			continue
		}
		c.mu.Lock()
		if reply.Term > c.currentTerm {
			c.becomeFollowerLocked(reply.Term)
			c.persistLocked()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if reply.Granted {
			grants++
		}
	}

	majority := (len(peers)+1)/2 + 1
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentTerm == term && c.role == types.Candidate && grants >= majority {
		c.becomeLeaderLocked()
	}
}

// becomeLeaderLocked transitions to Leader. Must be called with mu held.
func (c *CFTLog) becomeLeaderLocked() {
	c.role = types.Leader
	self := c.selfID
	c.leaderID = &self
	lastIndex := c.lastLogIndex()
	for _, p := range c.peers {
		c.nextIndex[p.ID] = lastIndex + 1
		c.matchIndex[p.ID] = 0
	}
	if c.dlog != nil {
		c.dlog.Record("became_leader", map[string]interface{}{"node": c.selfID, "term": c.currentTerm})
	}
	go c.sendHeartbeats()
}

// sendHeartbeats triggers an AppendEntries round (possibly empty) to every
// peer; called on the heartbeat tick and immediately after a new entry is
// appended.
func (c *CFTLog) sendHeartbeats() {
	c.mu.Lock()
	if c.role != types.Leader || c.persistenceFailed {
		c.mu.Unlock()
		return
	}
	peers := append([]types.Peer(nil), c.peers...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.sendAppendEntriesToPeer(p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.updateCommitIndexLocked()
	c.mu.Unlock()
}

func (c *CFTLog) sendAppendEntriesToPeer(peer types.Peer) {
	c.mu.Lock()
	if c.role != types.Leader {
		c.mu.Unlock()
		return
	}
	term := c.currentTerm
	next := c.nextIndex[peer.ID]
	if next < 1 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := c.termAt(prevIndex)
	var entries []types.LogEntry
	if next <= c.lastLogIndex() {
		entries = append([]types.LogEntry(nil), c.log[next-1:]...)
	}
	leaderCommit := c.commitIndex
	self := c.selfID
	c.mu.Unlock()

	args := AppendEntriesArgs{
		Term: term, LeaderID: self, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: leaderCommit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcDeadline)
	defer cancel()

	reply, err := c.client.Call(ctx, peer, transport.MsgAppendEntries, args)
	if err != nil {
		return
	}
	var r AppendEntriesReply
	if !decodeInto(reply, &r) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Term > c.currentTerm {
		c.becomeFollowerLocked(r.Term)
		c.persistLocked()
		return
	}
	if c.role != types.Leader || term != c.currentTerm {
		return
	}
	if r.Success {
		c.matchIndex[peer.ID] = prevIndex + len(entries)
		c.nextIndex[peer.ID] = c.matchIndex[peer.ID] + 1
	} else {
		if c.nextIndex[peer.ID] > 1 {
			c.nextIndex[peer.ID]--
		}
	}
}

// updateCommitIndexLocked finds the highest N > commitIndex replicated to
// a majority with log[N].term == currentTerm. Must be called with mu held.
func (c *CFTLog) updateCommitIndexLocked() {
	matchIndexes := make([]int, 0, len(c.peers)+1)
	matchIndexes = append(matchIndexes, c.lastLogIndex())
	for _, idx := range c.matchIndex {
		matchIndexes = append(matchIndexes, idx)
	}

	for i := 0; i < len(matchIndexes)-1; i++ {
		for j := i + 1; j < len(matchIndexes); j++ {
			if matchIndexes[i] > matchIndexes[j] {
				matchIndexes[i], matchIndexes[j] = matchIndexes[j], matchIndexes[i]
			}
		}
	}

	majorityIdx := matchIndexes[(len(matchIndexes)-1)/2]
	if majorityIdx > c.commitIndex && c.termAt(majorityIdx) == c.currentTerm {
		c.commitIndex = majorityIdx
	}
}

// applyLoop advances lastApplied toward commitIndex, handing each entry to
// the state machine in strict index order.
func (c *CFTLog) applyLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		for c.lastApplied < c.commitIndex {
			c.lastApplied++
			entry := c.log[c.lastApplied-1]
			c.mu.Unlock()
			c.sm.Apply(entry.Command)
			c.mu.Lock()
		}
		c.mu.Unlock()

		time.Sleep(applyPollInterval)
	}
}

// HandleRequestVote implements the RequestVote RPC contract.
func (c *CFTLog) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term > c.currentTerm {
		c.becomeFollowerLocked(args.Term)
		c.persistLocked()
	}
	if args.Term < c.currentTerm {
		return RequestVoteReply{Term: c.currentTerm, Granted: false}
	}

	alreadyVoted := c.votedFor != nil && *c.votedFor != args.CandidateID
	if alreadyVoted {
		return RequestVoteReply{Term: c.currentTerm, Granted: false}
	}

	upToDate := args.LastLogTerm > c.lastLogTerm() ||
		(args.LastLogTerm == c.lastLogTerm() && args.LastLogIndex >= c.lastLogIndex())
	if !upToDate {
		return RequestVoteReply{Term: c.currentTerm, Granted: false}
	}

	cand := args.CandidateID
	c.votedFor = &cand
	if err := c.persistLocked(); err != nil {
		return RequestVoteReply{Term: c.currentTerm, Granted: false}
	}
	c.resetElectionTimer()
	return RequestVoteReply{Term: c.currentTerm, Granted: true}
}

// HandleAppendEntries implements the AppendEntries RPC contract.
func (c *CFTLog) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args.Term < c.currentTerm {
		return AppendEntriesReply{Term: c.currentTerm, Success: false}
	}
	if args.Term > c.currentTerm {
		c.becomeFollowerLocked(args.Term)
	} else if c.role == types.Candidate {
		c.role = types.Follower
	}
	leader := args.LeaderID
	c.leaderID = &leader
	c.resetElectionTimer()

	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > c.lastLogIndex() || c.termAt(args.PrevLogIndex) != args.PrevLogTerm {
			conflictTerm := c.termAt(args.PrevLogIndex)
			conflictIndex := args.PrevLogIndex
			if conflictTerm != 0 {
				for conflictIndex > 1 && c.termAt(conflictIndex-1) == conflictTerm {
					conflictIndex--
				}
			}
			c.persistLocked()
			return AppendEntriesReply{Term: c.currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: conflictTerm}
		}
	}

	for _, entry := range args.Entries {
		if entry.Index <= c.lastLogIndex() {
			if c.termAt(entry.Index) != entry.Term {
				c.log = c.log[:entry.Index-1]
				c.log = append(c.log, entry)
			}
			continue
		}
		c.log = append(c.log, entry)
	}

	if err := c.persistLocked(); err != nil {
		return AppendEntriesReply{Term: c.currentTerm, Success: false}
	}

	if args.LeaderCommit > c.commitIndex {
		lastNew := args.PrevLogIndex + len(args.Entries)
		if args.LeaderCommit < lastNew {
			c.commitIndex = args.LeaderCommit
		} else {
			c.commitIndex = lastNew
		}
	}

	return AppendEntriesReply{Term: c.currentTerm, Success: true}
}

// SubmitCommand appends cmd to the leader's log, persists it, triggers
// replication, and blocks until the entry is committed and applied. A
// non-leader rejects immediately with a not-leader error carrying the
// last-known leader id as a hint.
func (c *CFTLog) SubmitCommand(ctx context.Context, cmd types.Command) error {
	c.mu.Lock()
	if c.role != types.Leader {
		hint := 0
		if c.leaderID != nil {
			hint = *c.leaderID
		}
		c.mu.Unlock()
		return cerrors.NewNotLeaderError(hint)
	}
	if c.persistenceFailed {
		c.mu.Unlock()
		return cerrors.NewPersistenceError("node cannot accept commands until WAL recovers", nil)
	}

	entry := types.LogEntry{Term: c.currentTerm, Index: c.lastLogIndex() + 1, Command: cmd}
	c.log = append(c.log, entry)
	if err := c.persistLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	targetIndex := entry.Index
	c.mu.Unlock()

	go c.sendHeartbeats()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return cerrors.NewTransportError("timed out waiting for commit")
		case <-ticker.C:
			c.mu.Lock()
			applied := c.lastApplied >= targetIndex
			c.mu.Unlock()
			if applied {
				return nil
			}
			go c.sendHeartbeats()
		}
	}
}
