// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package prefetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/wire"
)

type countingFetcher struct {
	calls int32
	sched schedule.Schedule
	delay time.Duration
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context, p peer.Peer, hash string) (schedule.Schedule, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return schedule.Schedule{}, ctx.Err()
		}
	}
	return f.sched, f.err
}

func TestAnnounceFetchesUnknownHash(t *testing.T) {
	store := schedule.NewStore()
	sched, err := schedule.New(time.Now(), map[string]interface{}{"a": 1}, id.Random())
	require.NoError(t, err)

	fetcher := &countingFetcher{sched: sched}
	c := NewCoordinator(store, fetcher, log.NoOp())

	p := peer.Peer{Id: id.Random()}
	stamp := wire.Stamp{TimestampMs: 1, Hash: sched.Hash}

	var wg sync.WaitGroup
	wg.Add(1)
	c.Announce(context.Background(), p, stamp, func(s schedule.Schedule, err error) {
		defer wg.Done()
		require.NoError(t, err)
		require.Equal(t, sched.Hash, s.Hash)
	})
	wg.Wait()

	_, ok := store.Get(sched.Hash)
	require.True(t, ok)
	require.Equal(t, int32(1), fetcher.calls)
}

func TestAnnounceSkipsKnownHash(t *testing.T) {
	store := schedule.NewStore()
	sched, err := schedule.New(time.Now(), map[string]interface{}{"a": 1}, id.Random())
	require.NoError(t, err)
	store.Put(sched)

	fetcher := &countingFetcher{sched: sched}
	c := NewCoordinator(store, fetcher, log.NoOp())

	p := peer.Peer{Id: id.Random()}
	c.Announce(context.Background(), p, wire.Stamp{Hash: sched.Hash}, nil)

	require.Equal(t, int32(0), fetcher.calls)
	require.Equal(t, 0, c.Pending())
}

func TestAnnounceDedupesConcurrentFetches(t *testing.T) {
	store := schedule.NewStore()
	sched, err := schedule.New(time.Now(), map[string]interface{}{"a": 1}, id.Random())
	require.NoError(t, err)

	fetcher := &countingFetcher{sched: sched, delay: 50 * time.Millisecond}
	c := NewCoordinator(store, fetcher, log.NoOp())

	stamp := wire.Stamp{Hash: sched.Hash}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		p := peer.Peer{Id: id.Random()}
		go func() {
			defer wg.Done()
			c.Announce(context.Background(), p, stamp, nil)
		}()
	}
	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	require.Equal(t, int32(1), fetcher.calls)
}

func TestParentsDedupesByOriginKeepingLatest(t *testing.T) {
	store := schedule.NewStore()
	origin := id.Random()
	older, err := schedule.New(time.Now(), map[string]interface{}{"v": 1}, origin)
	require.NoError(t, err)
	newer, err := schedule.New(time.Now(), map[string]interface{}{"v": 2}, origin)
	require.NoError(t, err)
	store.Put(older)
	store.Put(newer)

	c := NewCoordinator(store, &countingFetcher{}, log.NoOp())
	c.Reset([]id.Id{id.Random(), id.Random()})

	p1 := peer.Peer{Id: id.Random()}
	p2 := peer.Peer{Id: id.Random()}
	c.Announce(context.Background(), p1, wire.Stamp{TimestampMs: 1, Hash: older.Hash, Origin: origin}, nil)
	c.Announce(context.Background(), p2, wire.Stamp{TimestampMs: 2, Hash: newer.Hash, Origin: origin}, nil)

	parents := c.Parents()
	require.Len(t, parents, 1)
	require.Equal(t, newer.Hash, parents[0].Hash)
}

func TestAnnounceFetchesFromOneOfSeveralSources(t *testing.T) {
	store := schedule.NewStore()
	sched, err := schedule.New(time.Now(), map[string]interface{}{"a": 1}, id.Random())
	require.NoError(t, err)

	fetcher := &countingFetcher{sched: sched, delay: 20 * time.Millisecond}
	c := NewCoordinator(store, fetcher, log.NoOp())

	stamp := wire.Stamp{Hash: sched.Hash}
	peers := []peer.Peer{{Id: id.Random()}, {Id: id.Random()}, {Id: id.Random()}}
	c.Reset([]id.Id{peers[0].Id, peers[1].Id, peers[2].Id})

	var wg sync.WaitGroup
	wg.Add(1)
	c.Announce(context.Background(), peers[0], stamp, func(schedule.Schedule, error) { wg.Done() })
	c.Announce(context.Background(), peers[1], stamp, nil)
	c.Announce(context.Background(), peers[2], stamp, nil)
	wg.Wait()

	require.Equal(t, int32(1), fetcher.calls)
	require.True(t, c.Done())
}

func TestDoneReflectsPeersLeftAndFetching(t *testing.T) {
	store := schedule.NewStore()
	c := NewCoordinator(store, &countingFetcher{}, log.NoOp())

	p1 := id.Random()
	c.Reset([]id.Id{p1})
	require.False(t, c.Done())

	c.Forget(p1)
	require.True(t, c.Done())
}
