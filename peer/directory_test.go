// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/wire"
)

type fakeDiscoverer struct {
	peers []DiscoveredPeer
}

func (f *fakeDiscoverer) Discover(ctx context.Context) ([]DiscoveredPeer, error) {
	return f.peers, nil
}

// runDirectory starts dir.Run in the background and returns a channel
// delivering every published snapshot, plus a cancel func.
func runDirectory(t *testing.T, dir *Directory) (<-chan Peers, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Peers, 8)
	go dir.Run(ctx, func(p Peers) { ch <- p })
	<-ch // the initial synchronous refresh
	return ch, cancel
}

func TestObserveStampUpdatesPeerAndPublishes(t *testing.T) {
	self := Peer{Id: id.Random(), Hostname: "self"}
	other := id.Random()
	disc := &fakeDiscoverer{peers: []DiscoveredPeer{
		{Id: other, Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.2")}, Hostname: "box2"},
	}}
	dir := NewDirectory(self, disc, time.Hour, nil)
	ch, cancel := runDirectory(t, dir)
	defer cancel()

	stamp := wire.Stamp{TimestampMs: 42, Hash: "abc"}
	dir.ObserveStamp(other, stamp)

	published := <-ch
	p, ok := published.Get(other)
	require.True(t, ok)
	require.NotNil(t, p.Stamp)
	require.Equal(t, stamp, *p.Stamp)
}

func TestRecordAndClearErrorUpdatesCount(t *testing.T) {
	self := Peer{Id: id.Random(), Hostname: "self"}
	other := id.Random()
	disc := &fakeDiscoverer{peers: []DiscoveredPeer{
		{Id: other, Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.2")}, Hostname: "box2"},
	}}
	dir := NewDirectory(self, disc, time.Hour, nil)
	ch, cancel := runDirectory(t, dir)
	defer cancel()

	dir.RecordError(other)
	<-ch
	dir.RecordError(other)
	published := <-ch
	p, ok := published.Get(other)
	require.True(t, ok)
	require.EqualValues(t, 2, p.ErrorCount)

	dir.ClearError(other)
	published = <-ch
	p, ok = published.Get(other)
	require.True(t, ok)
	require.EqualValues(t, 0, p.ErrorCount)
}
