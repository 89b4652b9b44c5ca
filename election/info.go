// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package election

import (
	"time"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/peer"
)

// Info is the borrowed view the Machine needs to decide a transition;
// it never outlives a single TimePassed/OnMessage call (spec §4.2).
type Info struct {
	SelfID  id.Id
	Peers   peer.Peers
	// HostsTimestamp is when Peers was last refreshed by the directory.
	HostsTimestamp time.Time
	// RefreshInterval is the directory's configured poll interval;
	// used to decide staleness (1.5x this is "stale").
	RefreshInterval time.Duration
	// DebugForceLeader lets a test harness force single-node election
	// to resolve immediately. Production builds must never set this
	// (spec §9, Open Questions).
	DebugForceLeader bool
}

func (info Info) stale(now time.Time) bool {
	if info.RefreshInterval <= 0 {
		return false
	}
	return now.Sub(info.HostsTimestamp) > (info.RefreshInterval * 3 / 2)
}

// addressedPeers returns peer ids other than self that have a known
// socket address, for broadcast actions.
func (info Info) addressedPeers() []id.Id {
	out := make([]id.Id, 0, len(info.Peers.Mapping))
	for pid, p := range info.Peers.Mapping {
		if pid == info.SelfID {
			continue
		}
		if p.Addr == nil {
			continue
		}
		out = append(out, pid)
	}
	return out
}
