// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package peer implements the Peer Directory (spec §4.1): it tracks
// the set of reachable cluster members, sourced from an external
// discovery service, and republishes an atomic snapshot on every
// refresh.
package peer

import (
	"net"
	"time"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/wire"
)

// Peer is one cluster member as known to this node.
type Peer struct {
	Id          id.Id
	Addr        *net.UDPAddr
	Hostname    string
	DisplayName string
	LastReport  *time.Time
	Stamp       *wire.Stamp
	ErrorCount  uint32
}

// Peers is an atomically published snapshot of the cluster.
type Peers struct {
	Timestamp time.Time
	Mapping   map[id.Id]Peer
}

// Get returns the peer with the given id, if present.
func (p Peers) Get(nodeID id.Id) (Peer, bool) {
	if p.Mapping == nil {
		return Peer{}, false
	}
	peer, ok := p.Mapping[nodeID]
	return peer, ok
}

// Len returns the number of known peers, including self.
func (p Peers) Len() int {
	return len(p.Mapping)
}

// Clone makes a shallow copy safe to hand to a reader without sharing
// the map with the writer.
func (p Peers) Clone() Peers {
	out := Peers{Timestamp: p.Timestamp, Mapping: make(map[id.Id]Peer, len(p.Mapping))}
	for k, v := range p.Mapping {
		out.Mapping[k] = v
	}
	return out
}
