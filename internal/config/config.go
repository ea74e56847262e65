/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package config loads and validates a node's static launch configuration:
// its own id, the set of peers, which replication protocol to run, and
// ambient settings (data directory, listen address, logging, BFT-3P
// malicious-testing mode).
package config

import (
	"encoding/json"
	"os"

	"concord/internal/cerrors"
	"concord/internal/types"
)

// Protocol selects which replication protocol a node runs.
type Protocol string

const (
	ProtocolCFTLog Protocol = "cftlog"
	ProtocolBFT3P  Protocol = "bft3p"
)

// Config is a node's complete static launch configuration.
type Config struct {
	NodeID     int          `json:"node_id"`
	Peers      []types.Peer `json:"peers"`
	Protocol   Protocol     `json:"protocol"`
	DataDir    string       `json:"data_dir"`
	ListenAddr string       `json:"listen_addr"`
	LogLevel   string       `json:"log_level"`
	LogJSON    bool         `json:"log_json"`
	Malicious  bool         `json:"malicious"`
	TLSEnabled bool         `json:"tls_enabled"`
}

// DefaultConfig returns a minimal single-node-style config; callers must
// still set NodeID, Peers, and ListenAddr before Validate will accept it.
func DefaultConfig() Config {
	return Config{
		Protocol: ProtocolCFTLog,
		DataDir:  "./data",
		LogLevel: "info",
		LogJSON:  false,
	}
}

// Load reads a peer-config JSON file (`[{id, ip, port}, ...]`) combined
// with the node's own launch settings.
// The file format is the Config struct itself serialized as JSON; a bare
// peer array is also accepted as shorthand and merged onto DefaultConfig.
// listenAddr and dataDir seed the result before validation, since both are
// required for Validate to pass and neither is carried by the bare peer
// array shorthand.
func Load(path string, nodeID int, protocol Protocol, listenAddr, dataDir string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, cerrors.NewConfigError("failed to read config file: " + err.Error())
	}

	cfg := DefaultConfig()
	cfg.NodeID = nodeID
	cfg.Protocol = protocol
	cfg.ListenAddr = listenAddr
	cfg.DataDir = dataDir

	var peers []types.Peer
	if err := json.Unmarshal(data, &peers); err == nil {
		cfg.Peers = peers
		return cfg, cfg.Validate()
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, cerrors.NewConfigError("failed to parse config file: " + err.Error())
	}
	return cfg, cfg.Validate()
}

// Validate enforces the invariants a node refuses to start without:
// a non-empty data directory and listen address, a known protocol, a peer
// list that neither includes this node's own id nor repeats an id, and for
// BFT-3P, a cluster size satisfying n = 3f+1 for some integer f >= 0.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return cerrors.NewConfigError("data_dir must not be empty")
	}
	if c.ListenAddr == "" {
		return cerrors.NewConfigError("listen_addr must not be empty")
	}

	n := len(c.Peers) + 1 // peers plus self
	switch c.Protocol {
	case ProtocolCFTLog:
		if n < 1 {
			return cerrors.NewConfigError("cluster must have at least one node")
		}
	case ProtocolBFT3P:
		if (n-1)%3 != 0 {
			return cerrors.NewConfigError("BFT-3P requires n = 3f+1 nodes for some integer f >= 0")
		}
	default:
		return cerrors.NewConfigError("unknown protocol: " + string(c.Protocol))
	}

	seen := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			return cerrors.NewConfigError("peer list must not include this node's own id")
		}
		if seen[p.ID] {
			return cerrors.NewConfigError("duplicate peer id in config")
		}
		seen[p.ID] = true
	}

	return nil
}

// FaultTolerance returns f, the number of Byzantine-faulty nodes BFT-3P can
// tolerate for this cluster size. Only meaningful when Protocol is
// ProtocolBFT3P and Validate has already succeeded.
func (c Config) FaultTolerance() int {
	n := len(c.Peers) + 1
	return (n - 1) / 3
}
