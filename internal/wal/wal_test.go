/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package wal

import (
	"os"
	"testing"

	"concord/internal/types"
)

func setupTestWAL(t *testing.T, nodeID int) (*WAL, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "concord-wal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	w, err := Open(dir, nodeID)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open WAL: %v", err)
	}

	return w, func() { os.RemoveAll(dir) }
}

func TestLoadAbsentReturnsZeroState(t *testing.T) {
	w, cleanup := setupTestWAL(t, 1)
	defer cleanup()

	term, votedFor, log, err := w.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if term != 0 || votedFor != nil || len(log) != 0 {
		t.Fatalf("expected zero state, got term=%d votedFor=%v log=%v", term, votedFor, log)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	w, cleanup := setupTestWAL(t, 7)
	defer cleanup()

	votedFor := 3
	wantLog := []types.LogEntry{
		{Term: 1, Index: 1, Command: types.NewSetCommand("x", "1")},
		{Term: 2, Index: 2, Command: types.NewDeleteCommand("x")},
	}

	if err := w.Save(2, &votedFor, wantLog); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	term, gotVotedFor, gotLog, err := w.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if term != 2 {
		t.Errorf("term = %d, want 2", term)
	}
	if gotVotedFor == nil || *gotVotedFor != 3 {
		t.Errorf("votedFor = %v, want 3", gotVotedFor)
	}
	if len(gotLog) != len(wantLog) {
		t.Fatalf("log length = %d, want %d", len(gotLog), len(wantLog))
	}
	for i := range wantLog {
		if gotLog[i] != wantLog[i] {
			t.Errorf("log[%d] = %+v, want %+v", i, gotLog[i], wantLog[i])
		}
	}
}

func TestSaveOverwritesPreviousState(t *testing.T) {
	w, cleanup := setupTestWAL(t, 2)
	defer cleanup()

	if err := w.Save(1, nil, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	votedFor := 5
	if err := w.Save(4, &votedFor, []types.LogEntry{{Term: 4, Index: 1, Command: types.NewNoopCommand()}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	term, gotVotedFor, log, err := w.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if term != 4 || gotVotedFor == nil || *gotVotedFor != 5 || len(log) != 1 {
		t.Fatalf("unexpected state after overwrite: term=%d votedFor=%v log=%v", term, gotVotedFor, log)
	}
}

func TestLoadCorruptPayloadErrors(t *testing.T) {
	w, cleanup := setupTestWAL(t, 9)
	defer cleanup()

	if err := w.Save(1, nil, nil); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.WriteFile(w.Path(), []byte("not json"), 0o644); err != nil {
		t.Fatalf("failed to corrupt WAL file: %v", err)
	}

	if _, _, _, err := w.Load(); err == nil {
		t.Fatal("expected error loading corrupt WAL payload, got nil")
	}
}

func TestMultipleNodesCoexistInOneDir(t *testing.T) {
	dir, err := os.MkdirTemp("", "concord-wal-multi-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	w1, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("Open(1) error = %v", err)
	}
	w2, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("Open(2) error = %v", err)
	}

	if err := w1.Save(1, nil, nil); err != nil {
		t.Fatalf("Save(w1) error = %v", err)
	}
	if err := w2.Save(9, nil, nil); err != nil {
		t.Fatalf("Save(w2) error = %v", err)
	}

	term1, _, _, err := w1.Load()
	if err != nil {
		t.Fatalf("Load(w1) error = %v", err)
	}
	term2, _, _, err := w2.Load()
	if err != nil {
		t.Fatalf("Load(w2) error = %v", err)
	}
	if term1 != 1 || term2 != 9 {
		t.Fatalf("expected independent state per node id, got term1=%d term2=%d", term1, term2)
	}
}
