// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery provides Discoverer backends for the Peer
// Directory (spec §4.1), which treats cluster membership as an
// external collaborator.
package discovery

import (
	"context"
	"sync"

	"github.com/tailhook/verwalter/peer"
)

// Static is a Discoverer backed by an in-memory list, set explicitly
// by the caller. Useful for tests and for deployments where cluster
// membership is pushed by an external orchestrator rather than
// resolved by this process.
type Static struct {
	mu    sync.RWMutex
	peers []peer.DiscoveredPeer
}

// NewStatic returns a Static discoverer seeded with peers.
func NewStatic(peers []peer.DiscoveredPeer) *Static {
	return &Static{peers: peers}
}

// Set replaces the discoverable peer list.
func (s *Static) Set(peers []peer.DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = peers
}

// Discover implements peer.Discoverer.
func (s *Static) Discover(ctx context.Context) ([]peer.DiscoveredPeer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]peer.DiscoveredPeer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}
