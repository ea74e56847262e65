/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 * Licensed under the Apache License, Version 2.0
 */

// Package discovery advertises and browses for cluster peers over mDNS, so
// a node can be started with just its own id and bootstrap a peer list
// instead of a hand-authored config file, using github.com/hashicorp/mdns
// for the advertise/browse plumbing.
package discovery

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"

	"concord/internal/logging"
	"concord/internal/types"
)

const serviceName = "_concord._tcp"

// Advertiser publishes this node's presence so peers can find it.
type Advertiser struct {
	server *mdns.Server
	logger *logging.Logger
}

// Advertise starts broadcasting self over mDNS under serviceName, with the
// node id carried in a TXT record.
func Advertise(self types.Peer) (*Advertiser, error) {
	info := []string{"id=" + strconv.Itoa(self.ID)}
	service, err := mdns.NewMDNSService(
		fmt.Sprintf("concord-%d", self.ID),
		serviceName,
		"",
		"",
		self.Port,
		nil,
		info,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build mDNS service record: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}

	return &Advertiser{server: server, logger: logging.NewLogger("discovery")}, nil
}

// Shutdown stops advertising.
func (a *Advertiser) Shutdown() error {
	return a.server.Shutdown()
}

// DiscoverPeers browses the network for other concord nodes for up to
// timeout, returning every peer seen (deduplicated by node id, self
// excluded by the caller if present in the results).
func DiscoverPeers(timeout time.Duration) ([]types.Peer, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	var found []types.Peer
	seen := make(map[int]bool)

	go func() {
		defer close(done)
		for entry := range entriesCh {
			id, ok := parseNodeID(entry.InfoFields)
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			host := entry.AddrV4.String()
			if entry.AddrV4 == nil && entry.AddrV6 != nil {
				host = entry.AddrV6.String()
			}
			found = append(found, types.Peer{ID: id, Host: host, Port: entry.Port})
		}
	}()

	params := &mdns.QueryParam{
		Service: serviceName,
		Domain:  "local",
		Timeout: timeout,
		Entries: entriesCh,
	}
	if err := mdns.Query(params); err != nil {
		close(entriesCh)
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}
	close(entriesCh)
	<-done

	return found, nil
}

func parseNodeID(fields []string) (int, bool) {
	for _, f := range fields {
		const prefix = "id="
		if len(f) > len(prefix) && f[:len(prefix)] == prefix {
			id, err := strconv.Atoi(f[len(prefix):])
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}
