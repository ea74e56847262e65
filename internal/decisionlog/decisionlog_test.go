/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package decisionlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "decisionlog-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "decisions.jsonl")
	cfg := Config{BufferSize: 16, FlushIntervalSec: 1}
	l, err := New(path, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(l.Stop)
	return l, path
}

func TestRecordAndEvents(t *testing.T) {
	l, _ := newTestLog(t)

	l.Record("became_leader", map[string]interface{}{"node": 1, "term": 3})
	l.Record("commit", map[string]interface{}{"index": 5})

	deadline := time.Now().Add(2 * time.Second)
	for len(l.Events()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	events := l.Events()
	if len(events) != 2 {
		t.Fatalf("len(Events()) = %d, want 2", len(events))
	}
	if events[0].Kind != "became_leader" {
		t.Errorf("events[0].Kind = %q, want became_leader", events[0].Kind)
	}
}

func TestStopFlushesBufferedEvents(t *testing.T) {
	dir, err := os.MkdirTemp("", "decisionlog-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "decisions.jsonl")
	l, err := New(path, Config{BufferSize: 16, FlushIntervalSec: 60})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	l.Record("view_change", map[string]interface{}{"new_view": 1})
	l.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) == 0 {
		t.Error("expected decision log file to contain the flushed event")
	}
}

func TestExportJSONAndCSV(t *testing.T) {
	l, _ := newTestLog(t)
	l.Record("commit", map[string]interface{}{"index": 1})
	l.Stop()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "out.json")
	csvPath := filepath.Join(dir, "out.csv")

	if err := l.ExportJSON(jsonPath); err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}
	if err := l.ExportCSV(csvPath); err != nil {
		t.Fatalf("ExportCSV() error = %v", err)
	}

	for _, p := range []string{jsonPath, csvPath} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("Stat(%s) failed: %v", p, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", p)
		}
	}
}
