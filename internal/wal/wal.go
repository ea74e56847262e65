/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package wal implements the durable, crash-atomic persistence of CFT-Log
// role state: current term, voted-for, and the replicated log.
package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"concord/internal/cerrors"
	"concord/internal/logging"
	"concord/internal/types"
)

// record is the on-disk encoding. Field names are part of the durable
// format; this is plain JSON rather than a binary layout since the exact
// on-disk encoding is not externally observable.
type record struct {
	CurrentTerm int              `json:"current_term"`
	VotedFor    *int             `json:"voted_for"`
	Log         []types.LogEntry `json:"log"`
}

// WAL is the durable record of one node's CFT-Log persistent state. It is
// keyed by node id so several nodes may coexist in the same data directory.
type WAL struct {
	mu     sync.Mutex
	path   string
	logger *logging.Logger
}

// Open returns a WAL rooted at dir for the given node id, creating dir if
// needed. It does not read or write the WAL file until Load or Save is
// called.
func Open(dir string, nodeID int) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cerrors.NewPersistenceError("failed to create WAL directory", err)
	}
	return &WAL{
		path:   filepath.Join(dir, fmt.Sprintf("node-%d.wal", nodeID)),
		logger: logging.NewLogger("wal"),
	}, nil
}

// Load returns the persisted (current_term, voted_for, log) tuple, or the
// zero tuple (0, none, []) if no WAL file exists yet. A corrupt payload is
// reported as an error; the caller must not silently reset state.
func (w *WAL) Load() (currentTerm int, votedFor *int, log []types.LogEntry, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, readErr := os.ReadFile(w.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return 0, nil, nil, nil
		}
		return 0, nil, nil, cerrors.NewPersistenceError("failed to read WAL file", readErr).WithDetail(w.path)
	}

	var rec record
	if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
		return 0, nil, nil, cerrors.NewPersistenceError("corrupt WAL payload", unmarshalErr).WithDetail(w.path)
	}

	return rec.CurrentTerm, rec.VotedFor, rec.Log, nil
}

// Save durably persists (current_term, voted_for, log). It writes the
// entire serialized state to a sibling temp file, flushes it, then renames
// it over the target path -- after any crash, Load observes either the
// pre-call or the post-call state, never a torn mix. I/O errors are fatal
// to protocol correctness: the caller must not send outbound messages
// whose correctness depends on this save until it succeeds.
func (w *WAL) Save(currentTerm int, votedFor *int, log []types.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := record{CurrentTerm: currentTerm, VotedFor: votedFor, Log: log}
	data, err := json.Marshal(rec)
	if err != nil {
		return cerrors.NewPersistenceError("failed to encode WAL record", err)
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return cerrors.NewPersistenceError("failed to create WAL temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cerrors.NewPersistenceError("failed to write WAL temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cerrors.NewPersistenceError("failed to fsync WAL temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cerrors.NewPersistenceError("failed to close WAL temp file", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		w.logger.Error("WAL rename failed", "path", w.path, "error", err)
		return cerrors.NewPersistenceError("failed to rename WAL temp file into place", err)
	}

	return nil
}

// Path returns the backing file path, mainly for concord-waldump.
func (w *WAL) Path() string { return w.path }
