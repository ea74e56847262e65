/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package decisionlog records protocol-visible events -- role transitions,
// commits, view changes, partition changes -- for later inspection, using
// a buffered asynchronous worker and JSON/CSV export shape, keyed by
// protocol event kind rather than a SQL-table-backed taxonomy.
package decisionlog

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"concord/internal/logging"
)

// Event is one recorded protocol decision.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Config controls the decision log's buffering.
type Config struct {
	BufferSize       int
	FlushIntervalSec int
}

func DefaultConfig() Config {
	return Config{BufferSize: 256, FlushIntervalSec: 2}
}

// Log is an asynchronous, buffered recorder of protocol events. Record
// never blocks the caller: a full buffer drops the event and logs a
// warning rather than stall the protocol hot path.
type Log struct {
	config Config
	path   string
	logger *logging.Logger

	buffer   chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	events []Event
}

// New returns a decision log that appends JSON-lines to path (created if
// absent) and also keeps an in-memory copy for Events/ExportJSON/ExportCSV.
func New(path string, config Config) (*Log, error) {
	l := &Log{
		config: config,
		path:   path,
		logger: logging.NewLogger("decisionlog"),
		buffer: make(chan Event, config.BufferSize),
		stopCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.worker()
	return l, nil
}

func (l *Log) worker() {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Duration(l.config.FlushIntervalSec) * time.Second)
	defer ticker.Stop()

	batch := make([]Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.appendBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.buffer:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stopCh:
			for len(l.buffer) > 0 {
				batch = append(batch, <-l.buffer)
			}
			flush()
			return
		}
	}
}

func (l *Log) appendBatch(events []Event) {
	l.mu.Lock()
	l.events = append(l.events, events...)
	l.mu.Unlock()

	if l.path == "" {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error("failed to open decision log file", "error", err)
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			l.logger.Error("failed to append decision log event", "error", err)
		}
	}
}

// Record enqueues an event for asynchronous persistence. Non-blocking.
func (l *Log) Record(kind string, fields map[string]interface{}) {
	select {
	case l.buffer <- Event{Timestamp: time.Now(), Kind: kind, Fields: fields}:
	default:
		l.logger.Warn("decision log buffer full, dropping event", "kind", kind)
	}
}

// Stop flushes any buffered events and stops the worker. Calls after the
// first are no-ops.
func (l *Log) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Events returns a snapshot of every event recorded so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ExportJSON writes every recorded event to filename as an indented JSON
// array.
func (l *Log) ExportJSON(filename string) error {
	events := l.Events()
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	l.logger.Info("exported decision log to JSON", "filename", filename, "count", len(events))
	return nil
}

// ExportCSV writes every recorded event to filename as CSV, with Fields
// flattened to its JSON encoding in a single column.
func (l *Log) ExportCSV(filename string) error {
	events := l.Events()
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"Timestamp", "Kind", "Fields"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		fields := ""
		if len(e.Fields) > 0 {
			if b, err := json.Marshal(e.Fields); err == nil {
				fields = string(b)
			}
		}
		row := []string{
			strconv.FormatInt(e.Timestamp.UnixNano(), 10),
			e.Kind,
			fields,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	l.logger.Info("exported decision log to CSV", "filename", filename, "count", len(events))
	return nil
}
