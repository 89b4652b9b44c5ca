// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tailhook/verwalter/id"
	verwalterlog "github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/wire"
)

// DiscoveredPeer is what an external discovery backend knows about a
// cluster member: no schedule stamp or error count, since those are
// owned by election traffic, not discovery (spec §4.1).
type DiscoveredPeer struct {
	Id          id.Id
	Addr        *net.UDPAddr
	Hostname    string
	DisplayName string
}

// Discoverer is the external collaborator that answers "who is in the
// cluster right now". Production backends: the mDNS/DNS-SD resolver
// in peer/discovery, or a static file watcher; tests use a fake.
type Discoverer interface {
	Discover(ctx context.Context) ([]DiscoveredPeer, error)
}

// DefaultInterval is how often the directory refreshes by default.
const DefaultInterval = 1 * time.Second

// staleAfter is the number of missed refresh cycles after which an
// absent peer is dropped from the published set.
const staleAfter = 2

// Directory polls a Discoverer on a fixed interval, merges the result
// with the previous snapshot (preserving per-peer Stamp/ErrorCount),
// and republishes atomically.
type Directory struct {
	self       Peer
	discoverer Discoverer
	interval   time.Duration
	log        verwalterlog.Logger
	onError    func(error)

	mu       sync.RWMutex
	current  Peers
	lastSeen map[id.Id]int // missed-cycle counter, reset to 0 on each sighting
	onUpdate func(Peers)
}

// NewDirectory constructs a Directory. self is always present in the
// published set, bound to its own known address.
func NewDirectory(self Peer, d Discoverer, interval time.Duration, log verwalterlog.Logger) *Directory {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = verwalterlog.NoOp()
	}
	dir := &Directory{
		self:       self,
		discoverer: d,
		interval:   interval,
		log:        log,
		lastSeen:   map[id.Id]int{},
	}
	dir.current = Peers{
		Timestamp: time.Now(),
		Mapping:   map[id.Id]Peer{self.Id: self},
	}
	return dir
}

// OnError registers a callback invoked whenever a discovery refresh
// fails; the last good Peers snapshot remains published (spec §4.1).
func (d *Directory) OnError(f func(error)) {
	d.onError = f
}

// Snapshot returns the currently published Peers.
func (d *Directory) Snapshot() Peers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.Clone()
}

// Run blocks, refreshing on Directory's interval until ctx is
// cancelled. onUpdate is called with each new snapshot (normally this
// wires straight into the shared-state hub's SetPeers).
func (d *Directory) Run(ctx context.Context, onUpdate func(Peers)) {
	d.mu.Lock()
	d.onUpdate = onUpdate
	d.mu.Unlock()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *Directory) refresh(ctx context.Context) {
	discovered, err := d.discoverer.Discover(ctx)
	if err != nil {
		d.log.Warn("peer discovery failed, keeping last snapshot", zap.Error(err))
		if d.onError != nil {
			d.onError(err)
		}
		return
	}

	d.mu.Lock()
	prevLen := len(d.current.Mapping)
	next := d.merge(discovered)
	d.current = next
	nextLen := len(next.Mapping)
	d.mu.Unlock()

	if nextLen != prevLen {
		d.log.Info("peer set changed", zap.Int("previous", prevLen), zap.Int("current", nextLen))
	}
	d.publish(next)
}

// publish re-announces the current snapshot via the Run-registered
// callback. Safe to call without d.mu held.
func (d *Directory) publish(next Peers) {
	d.mu.RLock()
	onUpdate := d.onUpdate
	d.mu.RUnlock()
	if onUpdate != nil {
		onUpdate(next.Clone())
	}
}

// ObserveStamp records a freshly observed ping/pong stamp from p (spec
// §3: Peer.Stamp "updated when a peer's ping/pong is observed"), and
// republishes immediately rather than waiting for the next discovery
// tick.
func (d *Directory) ObserveStamp(pid id.Id, stamp wire.Stamp) {
	d.mu.Lock()
	p, ok := d.current.Mapping[pid]
	if !ok {
		d.mu.Unlock()
		return
	}
	s := stamp
	p.Stamp = &s
	d.current.Mapping[pid] = p
	next := d.current
	d.mu.Unlock()
	d.publish(next)
}

// RecordError increments pid's ErrorCount (spec §4.6/§4.10: fetch
// failures "increment the peer's error_count in C1").
func (d *Directory) RecordError(pid id.Id) {
	d.mu.Lock()
	p, ok := d.current.Mapping[pid]
	if !ok {
		d.mu.Unlock()
		return
	}
	p.ErrorCount++
	d.current.Mapping[pid] = p
	next := d.current
	d.mu.Unlock()
	d.publish(next)
}

// ClearError resets pid's ErrorCount to zero after a successful fetch.
func (d *Directory) ClearError(pid id.Id) {
	d.mu.Lock()
	p, ok := d.current.Mapping[pid]
	if !ok || p.ErrorCount == 0 {
		d.mu.Unlock()
		return
	}
	p.ErrorCount = 0
	d.current.Mapping[pid] = p
	next := d.current
	d.mu.Unlock()
	d.publish(next)
}

// merge folds a fresh discovery snapshot into the previous one,
// carrying forward Stamp/ErrorCount (owned by election traffic, not
// discovery) and dropping peers absent for staleAfter consecutive
// cycles. Must be called with d.mu held.
func (d *Directory) merge(discovered []DiscoveredPeer) Peers {
	seen := make(map[id.Id]bool, len(discovered)+1)
	mapping := make(map[id.Id]Peer, len(discovered)+1)

	mapping[d.self.Id] = d.self
	seen[d.self.Id] = true
	d.lastSeen[d.self.Id] = 0

	for _, dp := range discovered {
		seen[dp.Id] = true
		d.lastSeen[dp.Id] = 0

		display := dp.DisplayName
		if display == "" {
			display = dp.Hostname
		}
		p := Peer{
			Id:          dp.Id,
			Addr:        dp.Addr,
			Hostname:    dp.Hostname,
			DisplayName: display,
		}
		if prev, ok := d.current.Mapping[dp.Id]; ok {
			p.Stamp = prev.Stamp
			p.ErrorCount = prev.ErrorCount
			p.LastReport = prev.LastReport
		}
		now := time.Now()
		p.LastReport = &now
		mapping[dp.Id] = p
	}

	// Carry forward peers that weren't in this cycle's discovery
	// response, unless they've been missing too long.
	for pid, prev := range d.current.Mapping {
		if seen[pid] {
			continue
		}
		d.lastSeen[pid]++
		if d.lastSeen[pid] >= staleAfter {
			delete(d.lastSeen, pid)
			continue
		}
		mapping[pid] = prev
	}

	return Peers{Timestamp: time.Now(), Mapping: mapping}
}
