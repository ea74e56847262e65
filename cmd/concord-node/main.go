/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
concord-node - consensus runtime node process

Runs one node of either replication protocol (CFT-Log or BFT-3P) driving
a replicated key-value state machine.

Usage:
    concord-node -id 1 -config peers.json -listen 127.0.0.1:7001
    concord-node -id 1 -protocol bft3p -config peers.json -listen 127.0.0.1:7001 -malicious
    concord-node -id 1 -discover -listen 127.0.0.1:7001
*/
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"concord/internal/bft3p"
	"concord/internal/cftlog"
	"concord/internal/compression"
	"concord/internal/config"
	"concord/internal/decisionlog"
	"concord/internal/discovery"
	"concord/internal/logging"
	"concord/internal/node"
	"concord/internal/statemachine"
	ctls "concord/internal/tls"
	"concord/internal/transport"
	"concord/internal/types"
	"concord/internal/wal"
	"concord/pkg/cli"
)

const (
	version   = "1.0.0"
	copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
)

func main() {
	id := flag.Int("id", 0, "This node's id (required)")
	configPath := flag.String("config", "", "Path to a peer-config JSON file")
	protocolFlag := flag.String("protocol", "cftlog", "Replication protocol: cftlog or bft3p")
	dataDir := flag.String("data-dir", "./data", "Directory for the node's WAL and decision log")
	listenAddr := flag.String("listen", "", "Address to listen on (required)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")
	malicious := flag.Bool("malicious", false, "BFT-3P only: broadcast tampered digests (test affordance)")
	tlsEnabled := flag.Bool("tls", false, "Encrypt node-to-node traffic with a self-signed certificate")
	discover := flag.Bool("discover", false, "Bootstrap the peer list via mDNS instead of -config")
	discoverTimeout := flag.Duration("discover-timeout", 3*time.Second, "mDNS discovery window when -discover is set")
	help := flag.Bool("help", false, "Show help")
	flag.BoolVar(help, "h", false, "Show help")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information")
	flag.Parse()

	if *help {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("concord-node v%s\n%s\n", version, copyright)
		os.Exit(0)
	}
	if *id == 0 || *listenAddr == "" {
		cli.PrintError("-id and -listen are required")
		fmt.Println()
		printUsage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	cfg.NodeID = *id
	cfg.Protocol = config.Protocol(*protocolFlag)
	cfg.DataDir = *dataDir
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.LogJSON = *logJSON
	cfg.Malicious = *malicious
	cfg.TLSEnabled = *tlsEnabled

	if *discover {
		peers, err := discovery.DiscoverPeers(*discoverTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mDNS discovery failed: %v\n", err)
			os.Exit(1)
		}
		for _, p := range peers {
			if p.ID != *id {
				cfg.Peers = append(cfg.Peers, p)
			}
		}
	} else if *configPath != "" {
		if _, statErr := os.Stat(*configPath); statErr != nil {
			cli.ErrConfigNotFound(*configPath).Exit()
		}
		loaded, err := config.Load(*configPath, *id, config.Protocol(*protocolFlag), *listenAddr, *dataDir)
		if err != nil {
			cli.PrintError("failed to load config: %v", err)
			os.Exit(1)
		}
		loaded.DataDir = cfg.DataDir
		loaded.ListenAddr = cfg.ListenAddr
		loaded.LogLevel = cfg.LogLevel
		loaded.LogJSON = cfg.LogJSON
		loaded.Malicious = cfg.Malicious
		loaded.TLSEnabled = cfg.TLSEnabled
		cfg = loaded
	}

	if err := cfg.Validate(); err != nil {
		cli.PrintError("invalid configuration: %v", err)
		os.Exit(1)
	}

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)

	printBanner(cfg)

	if err := run(cfg); err != nil {
		cli.PrintError("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := logging.NewLogger("main")

	w, err := wal.Open(cfg.DataDir, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("opening WAL: %w", err)
	}

	sm := statemachine.New()
	filter := transport.NewPartitionFilter()
	client := transport.NewPeerClient(cfg.NodeID, filter, compression.NewCompressor(compression.DefaultConfig()))

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		certPath := filepath.Join(cfg.DataDir, "certs", "node.crt")
		keyPath := filepath.Join(cfg.DataDir, "certs", "node.key")
		certCfg := ctls.CertConfigForNode(cfg.NodeID)
		if err := ctls.EnsureCertificates(certPath, keyPath, certCfg); err != nil {
			return fmt.Errorf("provisioning TLS certificates: %w", err)
		}
		tlsConfig, err = ctls.LoadTLSConfig(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("loading TLS config: %w", err)
		}
		tlsConfig.InsecureSkipVerify = true
		client.SetTLSConfig(tlsConfig)
	}

	dlog, err := decisionlog.New(filepath.Join(cfg.DataDir, fmt.Sprintf("node-%d.decisions.jsonl", cfg.NodeID)), decisionlog.DefaultConfig())
	if err != nil {
		return fmt.Errorf("opening decision log: %w", err)
	}
	defer dlog.Stop()

	var cft *cftlog.CFTLog
	var bft *bft3p.BFT3P

	switch cfg.Protocol {
	case config.ProtocolCFTLog:
		cft, err = cftlog.New(cfg.NodeID, cfg.Peers, w, sm, client, dlog)
		if err != nil {
			return fmt.Errorf("constructing CFT-Log: %w", err)
		}
		cft.Start()
		defer cft.Stop()
	case config.ProtocolBFT3P:
		bft = bft3p.New(cfg.NodeID, cfg.Peers, client, sm, dlog, cfg.Malicious)
		bft.Start()
		defer bft.Stop()
	default:
		return fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}

	srv, err := node.New(cfg, filter, cft, bft, sm, dlog, tlsConfig)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	go srv.Serve()
	defer srv.Stop()

	logger.Info("node listening", "addr", srv.Addr().String(), "protocol", string(cfg.Protocol))

	var adv *discovery.Advertiser
	self := findSelf(cfg)
	if self.Port != 0 {
		if a, err := discovery.Advertise(self); err == nil {
			adv = a
			defer adv.Shutdown()
		} else {
			logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	return nil
}

// findSelf derives this node's advertisable Peer from its listen address;
// it returns a zero Peer (Port 0) if the address can't be parsed as
// host:port, in which case advertisement is skipped.
func findSelf(cfg config.Config) types.Peer {
	idx := strings.LastIndex(cfg.ListenAddr, ":")
	if idx < 0 {
		return types.Peer{}
	}
	host := cfg.ListenAddr[:idx]
	port, err := strconv.Atoi(cfg.ListenAddr[idx+1:])
	if err != nil {
		return types.Peer{}
	}
	return types.Peer{ID: cfg.NodeID, Host: host, Port: port}
}

func printBanner(cfg config.Config) {
	banner := "   ____                      _ \n" +
		"  / ___|___  _ __   ___ ___ _ __ __| |\n" +
		" | |   / _ \\| '_ \\ / __/ _ \\ '__/ _` |\n" +
		" | |__| (_) | | | | (_| (_) | | | (_| |\n" +
		"  \\____\\___/|_| |_|\\___\\___/|_|  \\__,_|"
	fmt.Println(cli.Info(banner))
	fmt.Printf("  %s %s  node=%d protocol=%s\n\n", cli.Highlight("concord-node"), cli.Dimmed("v"+version), cfg.NodeID, cfg.Protocol)
}

func printUsage() {
	fmt.Printf("%s %s\n\n", cli.Highlight("concord-node"), cli.Dimmed("v"+version))
	fmt.Printf("%s concord-node -id <n> -listen <addr> [options]\n\n", cli.Highlight("Usage:"))
	fmt.Printf("%s\n", cli.Highlight("Options:"))
	fmt.Println("  -id <n>                 This node's id (required)")
	fmt.Println("  -listen <addr>          Address to listen on (required)")
	fmt.Println("  -config <path>          Peer-config JSON file")
	fmt.Println("  -protocol <name>        cftlog (default) or bft3p")
	fmt.Println("  -data-dir <path>        WAL/decision-log directory (default ./data)")
	fmt.Println("  -log-level <level>      debug, info, warn, error (default info)")
	fmt.Println("  -log-json               Emit logs as JSON")
	fmt.Println("  -malicious              BFT-3P only: broadcast tampered digests")
	fmt.Println("  -tls                    Encrypt node-to-node traffic with a self-signed cert")
	fmt.Println("  -discover               Bootstrap peers via mDNS instead of -config")
	fmt.Println("  -discover-timeout <dur> mDNS discovery window (default 3s)")
	fmt.Println("  -version,-v             Show version information")
	fmt.Println("  -help,-h                Show this help message")
}
