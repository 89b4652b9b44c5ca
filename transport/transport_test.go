// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/wire"
)

type node struct {
	id   id.Id
	addr *net.UDPAddr
	t    *Transport
	m    *election.Machine

	mu    sync.Mutex
	state election.State
}

func setupNode(t *testing.T, self id.Id, peers *peer.Peers, now time.Time) *node {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	m := election.New(now)
	n := &node{id: self, addr: addr, m: m}

	info := func() election.Info {
		return election.Info{SelfID: self, Peers: *peers, HostsTimestamp: now}
	}
	onState := func(s election.State, now time.Time) {
		n.mu.Lock()
		n.state = s
		n.mu.Unlock()
	}

	tr, err := New(addr, self, m, log.NoOp(), info, func() *wire.Stamp { return nil }, onState, nil)
	require.NoError(t, err)
	n.t = tr
	return n
}

func (n *node) snapshot() election.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func TestTwoNodeConvergesOnLeader(t *testing.T) {
	now := time.Now()
	selfA, selfB := id.Random(), id.Random()

	peers := &peer.Peers{Timestamp: now, Mapping: map[id.Id]peer.Peer{}}

	a := setupNode(t, selfA, peers, now)
	b := setupNode(t, selfB, peers, now)

	peers.Mapping[selfA] = peer.Peer{Id: selfA, Addr: a.addr}
	peers.Mapping[selfB] = peer.Peer{Id: selfB, Addr: b.addr}

	ctx, cancel := context.WithTimeout(context.Background(), 11*time.Second)
	defer cancel()

	go a.t.Run(ctx)
	go b.t.Run(ctx)

	// Each node's start timeout is drawn from [6.2s, 8s), so wait past
	// the upper bound.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if a.snapshot().IsLeader || b.snapshot().IsLeader {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	require.True(t, a.snapshot().IsLeader || b.snapshot().IsLeader,
		"expected one of the two nodes to become leader")
}
