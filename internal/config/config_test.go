/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"concord/internal/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Protocol != ProtocolCFTLog {
		t.Errorf("Protocol = %v, want ProtocolCFTLog", cfg.Protocol)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.ListenAddr = "127.0.0.1:9001"
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty data_dir")
	}
}

func TestValidateBFT3PRequiresThreeFPlusOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocol = ProtocolBFT3P
	cfg.NodeID = 1
	cfg.DataDir = "./data"
	cfg.ListenAddr = "127.0.0.1:9001"
	cfg.Peers = []types.Peer{{ID: 2}, {ID: 3}} // n=3, does not satisfy 3f+1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for cluster size not satisfying n=3f+1")
	}

	cfg.Peers = []types.Peer{{ID: 2}, {ID: 3}, {ID: 4}} // n=4, f=1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil for n=4", err)
	}
	if got := cfg.FaultTolerance(); got != 1 {
		t.Errorf("FaultTolerance() = %d, want 1", got)
	}
}

func TestValidateRejectsSelfInPeerList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.DataDir = "./data"
	cfg.ListenAddr = "127.0.0.1:9001"
	cfg.Peers = []types.Peer{{ID: 1, Host: "x", Port: 1}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when peer list includes own node id")
	}
}

func TestValidateRejectsDuplicatePeerIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = 1
	cfg.DataDir = "./data"
	cfg.ListenAddr = "127.0.0.1:9001"
	cfg.Peers = []types.Peer{{ID: 2}, {ID: 2}}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate peer ids")
	}
}

func TestLoadPeerArrayShorthand(t *testing.T) {
	dir, err := os.MkdirTemp("", "concord-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	peers := []types.Peer{{ID: 2, Host: "127.0.0.1", Port: 9002}, {ID: 3, Host: "127.0.0.1", Port: 9003}}
	data, _ := json.Marshal(peers)
	path := filepath.Join(dir, "peers.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path, 1, ProtocolCFTLog, "127.0.0.1:9001", "./data")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(cfg.Peers))
	}
	if cfg.NodeID != 1 {
		t.Errorf("NodeID = %d, want 1", cfg.NodeID)
	}
}

func TestLoadPeerArrayShorthandValidates(t *testing.T) {
	dir, err := os.MkdirTemp("", "concord-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// n=3 with BFT3P does not satisfy n=3f+1, so Load must surface
	// Validate's rejection rather than silently returning an unusable cfg.
	peers := []types.Peer{{ID: 2, Host: "127.0.0.1", Port: 9002}, {ID: 3, Host: "127.0.0.1", Port: 9003}}
	data, _ := json.Marshal(peers)
	path := filepath.Join(dir, "peers.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(path, 1, ProtocolBFT3P, "127.0.0.1:9001", "./data"); err == nil {
		t.Fatal("expected Load() to reject a BFT-3P peer set not satisfying n=3f+1")
	}

	if _, err := Load(path, 1, ProtocolCFTLog, "", "./data"); err == nil {
		t.Fatal("expected Load() to reject a missing listen_addr")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path.json", 1, ProtocolCFTLog, "127.0.0.1:9001", "./data"); err == nil {
		t.Fatal("expected error loading nonexistent config file")
	}
}
