/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package node hosts NodeServer: the single TCP accept loop each node
// runs, dispatching decoded wire frames to either internal/cftlog or
// internal/bft3p (depending on configured protocol) or to its own control
// handlers, via a MessageType switch covering both replication protocols
// plus control RPCs.
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"

	"concord/internal/bft3p"
	"concord/internal/cftlog"
	"concord/internal/compression"
	"concord/internal/config"
	"concord/internal/decisionlog"
	"concord/internal/logging"
	"concord/internal/statemachine"
	"concord/internal/transport"
	"concord/internal/types"
)

const connDeadline = 2 * time.Second

// Server owns the node's listener and routes inbound RPCs to whichever
// replication protocol is configured.
type Server struct {
	cfg    config.Config
	ln     net.Listener
	filter *transport.PartitionFilter

	cft  *cftlog.CFTLog
	bft  *bft3p.BFT3P
	sm   *statemachine.StateMachine
	dlog *decisionlog.Log

	compressor *compression.Compressor
	logger     *logging.Logger

	stopCh chan struct{}
}

// New binds a listener on cfg.ListenAddr and wires it to exactly one of
// cft or bft, matching cfg.Protocol. Exactly one of cft/bft must be
// non-nil. When tlsConfig is non-nil, the listener requires TLS on every
// inbound connection. dlog may be nil, in which case MsgAuditQuery
// replies with an empty event list.
func New(cfg config.Config, filter *transport.PartitionFilter, cft *cftlog.CFTLog, bft *bft3p.BFT3P, sm *statemachine.StateMachine, dlog *decisionlog.Log, tlsConfig *tls.Config) (*Server, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", cfg.ListenAddr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", cfg.ListenAddr)
	}
	if err != nil {
		return nil, err
	}

	compCfg := compression.DefaultConfig()
	return &Server{
		cfg:        cfg,
		ln:         ln,
		filter:     filter,
		cft:        cft,
		bft:        bft,
		sm:         sm,
		dlog:       dlog,
		compressor: compression.NewCompressor(compCfg),
		logger:     logging.NewLogger("node"),
		stopCh:     make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until Stop is called. Blocking; run it in its
// own goroutine.
func (s *Server) Serve() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if tcpLn, ok := s.ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(time.Second))
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener; in-flight connections are allowed to finish
// within connDeadline.
func (s *Server) Stop() {
	close(s.stopCh)
	s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connDeadline))

	frame, err := transport.ReadFrame(conn, s.compressor)
	if err != nil {
		return
	}

	reply, ok := s.dispatch(frame)
	if !ok {
		return
	}
	transport.WriteFrame(conn, frame.Header.Type, reply, s.compressor)
}

// dispatch decodes frame.Payload per its MessageType, invokes the right
// handler, and returns the JSON-encoded reply.
func (s *Server) dispatch(frame *transport.Frame) ([]byte, bool) {
	switch frame.Header.Type {
	case transport.MsgRequestVote:
		return s.handleRequestVote(frame.Payload)
	case transport.MsgAppendEntries:
		return s.handleAppendEntries(frame.Payload)
	case transport.MsgPrePrepare:
		return s.handlePrePrepare(frame.Payload)
	case transport.MsgPrepare:
		return s.handlePrepareVote(frame.Payload)
	case transport.MsgCommit:
		return s.handleCommitVote(frame.Payload)
	case transport.MsgSubmitCommand, transport.MsgSubmitRequest:
		return s.handleSubmit(frame.Payload)
	case transport.MsgSetPartition:
		return s.handleSetPartition(frame.Payload)
	case transport.MsgAuditQuery:
		return s.handleAuditQuery()
	case transport.MsgPing:
		return []byte(`{"ok":true}`), true
	default:
		return nil, false
	}
}

func (s *Server) handleRequestVote(payload []byte) ([]byte, bool) {
	if s.cft == nil {
		return nil, false
	}
	var args cftlog.RequestVoteArgs
	if json.Unmarshal(payload, &args) != nil {
		return nil, false
	}
	reply := s.cft.HandleRequestVote(args)
	b, err := json.Marshal(reply)
	return b, err == nil
}

func (s *Server) handleAppendEntries(payload []byte) ([]byte, bool) {
	if s.cft == nil {
		return nil, false
	}
	var args cftlog.AppendEntriesArgs
	if json.Unmarshal(payload, &args) != nil {
		return nil, false
	}
	reply := s.cft.HandleAppendEntries(args)
	b, err := json.Marshal(reply)
	return b, err == nil
}

func (s *Server) handlePrePrepare(payload []byte) ([]byte, bool) {
	if s.bft == nil {
		return nil, false
	}
	var msg bft3p.PrePrepareMsg
	if json.Unmarshal(payload, &msg) != nil {
		return nil, false
	}
	vote := s.bft.HandlePrePrepare(msg)
	if vote == nil {
		return []byte(`{}`), true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s.bft.Broadcast(ctx, transport.MsgPrepare, *vote)
	b, err := json.Marshal(vote)
	return b, err == nil
}

func (s *Server) handlePrepareVote(payload []byte) ([]byte, bool) {
	if s.bft == nil {
		return nil, false
	}
	var msg bft3p.VoteMsg
	if json.Unmarshal(payload, &msg) != nil {
		return nil, false
	}
	commitVote := s.bft.HandlePrepareVote(msg)
	if commitVote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		s.bft.Broadcast(ctx, transport.MsgCommit, *commitVote)
	}
	return []byte(`{}`), true
}

func (s *Server) handleCommitVote(payload []byte) ([]byte, bool) {
	if s.bft == nil {
		return nil, false
	}
	var msg bft3p.VoteMsg
	if json.Unmarshal(payload, &msg) != nil {
		return nil, false
	}
	s.bft.HandleCommitVote(msg)
	return []byte(`{}`), true
}

func (s *Server) handleSubmit(payload []byte) ([]byte, bool) {
	var cmd types.Command
	if json.Unmarshal(payload, &cmd) != nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case s.cft != nil:
		err = s.cft.SubmitCommand(ctx, cmd)
	case s.bft != nil:
		err = s.bft.SubmitCommand(ctx, cmd)
	}

	if err != nil {
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		return b, true
	}
	return []byte(`{"ok":true}`), true
}

// handleSetPartition implements the chaos-testing control RPC: the caller
// supplies the full set of peer ids to block outbound traffic to.
func (s *Server) handleSetPartition(payload []byte) ([]byte, bool) {
	var ids []int
	if json.Unmarshal(payload, &ids) != nil {
		return nil, false
	}
	s.filter.SetBlocked(ids)
	return []byte(`{"ok":true}`), true
}

// handleAuditQuery returns every decisionlog event recorded so far, for
// operator inspection of role transitions, commits, and view changes.
func (s *Server) handleAuditQuery() ([]byte, bool) {
	if s.dlog == nil {
		return []byte(`[]`), true
	}
	out, err := json.Marshal(s.dlog.Events())
	if err != nil {
		return nil, false
	}
	return out, true
}
