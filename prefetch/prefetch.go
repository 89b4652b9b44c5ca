// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package prefetch implements the Prefetch Coordinator (spec §4.4,
// C5): whenever a peer's gossiped Stamp names a schedule hash this
// node hasn't seen, the coordinator fetches it once — deduplicating
// concurrent requests for the same hash — and folds it into the
// schedule store.
//
// Locking: Coordinator holds its own mutex, disjoint from the shared
// state hub's. Any code path that must hold both acquires the shared
// state mutex first and the Coordinator's second; acquiring them in
// the reverse order is a bug.
package prefetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/utils/sampler"
	"github.com/tailhook/verwalter/utils/set"
	"github.com/tailhook/verwalter/wire"
)

// MaxPrefetchTime bounds how long a single hash fetch may run before
// it is abandoned (spec §4.4).
const MaxPrefetchTime = 10 * time.Second

// Fetcher retrieves the schedule identified by hash from the given
// peer. Implementations live in package fetch; Coordinator only
// depends on this narrow interface to stay decoupled from transport.
type Fetcher interface {
	Fetch(ctx context.Context, p peer.Peer, hash string) (schedule.Schedule, error)
}

// announcement is the latest (timestamp, hash, origin) a peer has
// gossiped.
type announcement struct {
	timestampMs int64
	hash        string
	origin      id.Id
}

// Coordinator tracks in-flight prefetches and dedupes them per hash.
type Coordinator struct {
	store   *schedule.Store
	fetcher Fetcher
	log     log.Logger

	group singleflight.Group

	mu        chan struct{} // binary semaphore; see note on reentrancy below
	seen      map[id.Id]announcement
	fetching  set.Set[string]
	peersLeft set.Set[id.Id]

	// sources tracks, per unresolved hash, every peer known to have it
	// (spec §4.5 step 3: "pick a random source from its source set").
	sources map[string][]peer.Peer
}

// NewCoordinator builds an idle Coordinator.
func NewCoordinator(store *schedule.Store, fetcher Fetcher, l log.Logger) *Coordinator {
	c := &Coordinator{
		store:     store,
		fetcher:   fetcher,
		log:       l,
		mu:        make(chan struct{}, 1),
		seen:      make(map[id.Id]announcement),
		fetching:  set.NewSet[string](0),
		peersLeft: set.NewSet[id.Id](0),
		sources:   make(map[string][]peer.Peer),
	}
	c.mu <- struct{}{}
	return c
}

func (c *Coordinator) lock()   { <-c.mu }
func (c *Coordinator) unlock() { c.mu <- struct{}{} }

// Announce records a peer's gossiped stamp and, if it names a hash
// this node doesn't have, starts (or joins) a fetch for it. It
// returns immediately; the fetch itself runs on its own goroutine and
// reports via onDone.
func (c *Coordinator) Announce(ctx context.Context, p peer.Peer, stamp wire.Stamp, onDone func(schedule.Schedule, error)) {
	if stamp.Hash == "" {
		return
	}

	c.lock()
	prev, known := c.seen[p.Id]
	if known && prev.hash == stamp.Hash {
		c.peersLeft.Remove(p.Id)
		c.unlock()
		return
	}
	c.seen[p.Id] = announcement{timestampMs: stamp.TimestampMs, hash: stamp.Hash, origin: stamp.Origin}
	// spec §4.4 step 2: "remove p from peers_left" the moment its
	// stamp is observed, independent of whether the named hash still
	// needs fetching.
	c.peersLeft.Remove(p.Id)

	if _, haveSchedule := c.store.Get(stamp.Hash); haveSchedule {
		c.unlock()
		return
	}

	c.sources[stamp.Hash] = append(c.sources[stamp.Hash], p)
	alreadyFetching := c.fetching.Contains(stamp.Hash)
	if !alreadyFetching {
		c.fetching.Add(stamp.Hash)
	}
	c.unlock()

	if alreadyFetching {
		return
	}

	go c.run(ctx, stamp.Hash, onDone)
}

// pickSource chooses one of hash's known sources uniformly at random
// (spec §4.5 step 3), snapshotting the source set under lock first so
// the sampler itself never runs while holding it.
func (c *Coordinator) pickSource(hash string) (peer.Peer, bool) {
	c.lock()
	srcs := append([]peer.Peer(nil), c.sources[hash]...)
	c.unlock()

	if len(srcs) == 0 {
		return peer.Peer{}, false
	}
	if len(srcs) == 1 {
		return srcs[0], true
	}

	u := sampler.NewUniform()
	if err := u.Initialize(len(srcs)); err != nil {
		return srcs[0], true
	}
	picked, ok := u.Sample(1)
	if !ok || len(picked) == 0 {
		return srcs[0], true
	}
	return srcs[picked[0]], true
}

func (c *Coordinator) run(ctx context.Context, hash string, onDone func(schedule.Schedule, error)) {
	ctx, cancel := context.WithTimeout(ctx, MaxPrefetchTime)
	defer cancel()

	p, ok := c.pickSource(hash)
	if !ok {
		// Raced with a concurrent resolution that already cleared the
		// source set; nothing left to fetch.
		c.lock()
		c.fetching.Remove(hash)
		c.unlock()
		return
	}

	v, err, _ := c.group.Do(hash, func() (interface{}, error) {
		sched, ferr := c.fetcher.Fetch(ctx, p, hash)
		if ferr != nil {
			return schedule.Schedule{}, fmt.Errorf("prefetch: fetch %s from %s: %w", hash, p.Id, ferr)
		}
		if ferr := sched.Verify(); ferr != nil {
			return schedule.Schedule{}, ferr
		}
		c.store.Put(sched)
		return sched, nil
	})

	c.lock()
	c.fetching.Remove(hash)
	delete(c.sources, hash)
	c.unlock()

	if err != nil {
		c.log.Warn("prefetch failed", zap.Error(err))
		if onDone != nil {
			onDone(schedule.Schedule{}, err)
		}
		return
	}
	if onDone != nil {
		onDone(v.(schedule.Schedule), nil)
	}
}

// Pending reports how many peers seeded by Reset have not yet
// reported a stamp.
func (c *Coordinator) Pending() int {
	c.lock()
	defer c.unlock()
	return c.peersLeft.Len()
}

// Forget drops bookkeeping for a peer that has left the cluster.
func (c *Coordinator) Forget(p id.Id) {
	c.lock()
	defer c.unlock()
	delete(c.seen, p)
	c.peersLeft.Remove(p)
}

// Done reports whether prefetch has converged: every known peer has
// either reported in or been reconciled, and no hash fetch is still
// in flight (spec §4.4 step 4).
func (c *Coordinator) Done() bool {
	c.lock()
	defer c.unlock()
	return c.peersLeft.Len() == 0 && c.fetching.Len() == 0
}

// Reset clears prior bookkeeping and seeds peersLeft with the current
// peer set, used each time this node becomes leader (spec §4.4:
// "Triggered when the node transitions into Leader"). If self already
// has a local schedule, the caller should also announce it via
// Announce so self isn't counted against peersLeft.
func (c *Coordinator) Reset(peers []id.Id) {
	c.lock()
	defer c.unlock()
	c.seen = make(map[id.Id]announcement)
	c.fetching = set.NewSet[string](0)
	c.peersLeft = set.NewSet[id.Id](len(peers))
	for _, p := range peers {
		c.peersLeft.Add(p)
	}
}

// Parents computes the parent-schedule set (spec §4.4 step 5): the
// latest-reported (timestamp, hash) per distinct origin, deduplicated
// by hash, resolved against the store. An origin whose schedule body
// hasn't arrived yet is simply omitted.
func (c *Coordinator) Parents() []schedule.Schedule {
	c.lock()
	latestByOrigin := make(map[id.Id]announcement, len(c.seen))
	for _, a := range c.seen {
		cur, ok := latestByOrigin[a.origin]
		if !ok || a.timestampMs > cur.timestampMs {
			latestByOrigin[a.origin] = a
		}
	}
	c.unlock()

	seenHash := make(map[string]struct{}, len(latestByOrigin))
	out := make([]schedule.Schedule, 0, len(latestByOrigin))
	for _, a := range latestByOrigin {
		if _, dup := seenHash[a.hash]; dup {
			continue
		}
		seenHash[a.hash] = struct{}{}
		if s, ok := c.store.Get(a.hash); ok {
			out = append(out, s)
		}
	}
	return out
}
