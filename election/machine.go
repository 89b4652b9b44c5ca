// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package election

import (
	"sync"
	"time"

	"github.com/tailhook/verwalter/id"
)

// InboundKind tags which wire message a call to OnMessage carries.
type InboundKind int

const (
	InboundPing InboundKind = iota
	InboundPong
	InboundVote
)

// Inbound is a decoded election packet, stripped of its wire framing.
type Inbound struct {
	Kind   InboundKind
	Source id.Id
	Epoch  uint64
	// Target is only meaningful for InboundVote: who the vote is for.
	Target id.Id
}

type epochRelation int

const (
	epochOlder epochRelation = iota
	epochSame
	epochNewer
)

// Machine is the per-node election state machine (spec §4.2). It is
// safe for concurrent use, though in practice the daemon drives it
// exclusively from its single-threaded event loop.
type Machine struct {
	mu sync.Mutex

	kind  Kind
	epoch uint64

	votesForMe    map[id.Id]struct{}
	peersAtEntry  int // snapshot of peer count when Electing was entered (U2)
	votedFor      id.Id
	leader        id.Id
	deadline      time.Time
	nextPingTime  time.Time

	rng *rng
}

// New constructs a Machine in the initial Starting state.
func New(now time.Time) *Machine {
	m := &Machine{
		kind: Starting,
		rng:  newRNG(),
	}
	m.deadline = now.Add(m.rng.startTimeout())
	return m
}

// Snapshot returns the published projection of the current state.
// LastStableTimestamp is always nil here; the shared-state hub
// overlays it across transitions per spec §4.4.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Epoch:    m.epoch,
		Deadline: m.deadline,
		IsLeader: m.kind == Leader,
		IsStable: m.kind == Leader || m.kind == Follower,
	}
	switch m.kind {
	case Leader:
		// LeaderID is filled by the caller with SelfID, since the
		// Machine doesn't retain it (see Info.SelfID at call sites).
	case Follower:
		l := m.leader
		s.LeaderID = &l
	case Voted:
		p := m.votedFor
		s.PromotingID = &p
	case Electing:
		n := len(m.votesForMe)
		s.NumVotesForMe = &n
	}
	return s
}

func relation(self, msg uint64) epochRelation {
	switch {
	case msg < self:
		return epochOlder
	case msg == self:
		return epochSame
	default:
		return epochNewer
	}
}

func (m *Machine) becomeLeader(epoch uint64, now time.Time) {
	m.kind = Leader
	m.epoch = epoch
	m.nextPingTime = now.Add(heartbeat)
	m.deadline = m.nextPingTime
	m.votesForMe = nil
}

func (m *Machine) becomeElecting(epoch uint64, self id.Id, peersAtEntry int, now time.Time) {
	m.kind = Electing
	m.epoch = epoch
	m.votesForMe = map[id.Id]struct{}{self: {}}
	m.peersAtEntry = peersAtEntry
	m.deadline = now.Add(heartbeat)
}

func (m *Machine) becomeVoted(epoch uint64, target id.Id, now time.Time) {
	m.kind = Voted
	m.epoch = epoch
	m.votedFor = target
	m.deadline = now.Add(m.rng.electionInterval())
}

func (m *Machine) becomeFollower(leader id.Id, epoch uint64, now time.Time) {
	m.kind = Follower
	m.epoch = epoch
	m.leader = leader
	m.deadline = now.Add(m.rng.electionInterval())
}

// TimePassed evaluates timer expiry (spec §4.2 table, "deadline
// reached" rows). now must be monotonic with prior calls.
func (m *Machine) TimePassed(info Info, now time.Time) ([]Action, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.stale(now) {
		return nil, m.deadline
	}
	if now.Before(m.deadline) {
		// Spurious wakeup: reschedule to the original deadline.
		return nil, m.deadline
	}

	switch m.kind {
	case Starting:
		n := info.Peers.Len()
		if n <= 1 || info.DebugForceLeader {
			m.becomeLeader(1, now)
			return []Action{{Kind: ActionPingAll}}, m.deadline
		}
		m.becomeElecting(1, info.SelfID, n, now)
		return []Action{{Kind: ActionVote, Target: info.SelfID}}, m.deadline

	case Electing, Voted, Follower:
		n := info.Peers.Len()
		m.becomeElecting(m.epoch+1, info.SelfID, n, now)
		return []Action{{Kind: ActionVote, Target: info.SelfID}}, m.deadline

	case Leader:
		m.becomeLeader(m.epoch, now)
		return []Action{{Kind: ActionPingAll}}, m.deadline
	}
	return nil, m.deadline
}

// OnMessage evaluates an inbound packet (spec §4.2 table, message
// rows). Messages whose Source is info.SelfID are ignored (wire
// loopback guard).
func (m *Machine) OnMessage(info Info, in Inbound, now time.Time) ([]Action, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.stale(now) {
		return nil, m.deadline
	}
	if in.Source == info.SelfID {
		return nil, m.deadline
	}

	rel := relation(m.epoch, in.Epoch)

	switch in.Kind {
	case InboundPing:
		return m.onPing(info, in, rel, now)
	case InboundPong:
		return m.onPong(info, in, rel, now)
	case InboundVote:
		return m.onVote(info, in, rel, now)
	}
	return nil, m.deadline
}

func (m *Machine) onPing(info Info, in Inbound, rel epochRelation, now time.Time) ([]Action, time.Time) {
	if rel == epochOlder {
		return nil, m.deadline
	}
	if m.kind == Leader && rel == epochSame {
		n := info.Peers.Len()
		m.becomeElecting(m.epoch+1, info.SelfID, n, now)
		return []Action{{Kind: ActionVote, Target: info.SelfID}}, m.deadline
	}
	if m.kind != Leader {
		m.becomeFollower(in.Source, in.Epoch, now)
		return []Action{{Kind: ActionPong, Target: in.Source}}, m.deadline
	}
	// Leader, newer epoch Ping: treated like same-epoch conflict above
	// would not reach here since rel != epochSame only leaves epochNewer,
	// which also forces a fresh election.
	n := info.Peers.Len()
	m.becomeElecting(m.epoch+1, info.SelfID, n, now)
	return []Action{{Kind: ActionVote, Target: info.SelfID}}, m.deadline
}

func (m *Machine) onPong(info Info, in Inbound, rel epochRelation, now time.Time) ([]Action, time.Time) {
	if rel == epochOlder {
		return nil, m.deadline
	}
	if m.kind == Leader && rel == epochSame {
		return nil, m.deadline
	}
	newEpoch := m.epoch
	if in.Epoch > newEpoch {
		newEpoch = in.Epoch
	}
	newEpoch++
	n := info.Peers.Len()
	m.becomeElecting(newEpoch, info.SelfID, n, now)
	return []Action{{Kind: ActionVote, Target: info.SelfID}}, m.deadline
}

func (m *Machine) onVote(info Info, in Inbound, rel epochRelation, now time.Time) ([]Action, time.Time) {
	if rel == epochNewer {
		m.becomeVoted(in.Epoch, in.Target, now)
		return []Action{{Kind: ActionConfirmVote, Target: in.Target}}, m.deadline
	}
	if rel == epochOlder {
		return nil, m.deadline
	}

	// rel == epochSame
	switch m.kind {
	case Starting:
		m.becomeVoted(in.Epoch, in.Target, now)
		return []Action{{Kind: ActionConfirmVote, Target: in.Target}}, m.deadline
	case Electing:
		if in.Target != info.SelfID {
			return nil, m.deadline
		}
		m.votesForMe[in.Source] = struct{}{}
		if len(m.votesForMe) >= quorum(m.peersAtEntry) {
			m.becomeLeader(m.epoch, now)
			return []Action{{Kind: ActionPingAll}}, m.deadline
		}
		return nil, m.deadline
	default: // Voted, Leader, Follower: late vote for the same epoch
		return nil, m.deadline
	}
}

// quorum implements spec §4.2's "floor(n/2)+1 with degenerate sizes
// 0→0, 1→1, 2→2".
func quorum(n int) int {
	switch n {
	case 0, 1, 2:
		return n
	default:
		return n/2 + 1
	}
}
