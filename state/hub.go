// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state implements the Shared State hub (spec §4.4, C9): the
// single point every other component reads cluster and scheduling
// state through. Writers take a coarse mutex; frequent readers (the
// election loop, the API frontend) hit atomic.Value snapshots instead
// so they never block on a writer holding the mutex for an unrelated
// field.
//
// Lock ordering: Hub's mutex is always acquired before
// prefetch.Coordinator's (see package prefetch's doc comment). Code
// that needs both must respect that order.
package state

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tailhook/verwalter/action"
	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/scheduler"
)

// Hub is the daemon's shared-state store.
type Hub struct {
	self id.Id

	peers    atomic.Value // peer.Peers
	election atomic.Value // election.State
	parents  atomic.Value // []schedule.Schedule

	store *schedule.Store
	actions *action.Queue

	mu                   sync.Mutex
	errors               map[string]error
	roleFailures         map[string]error
	lastStableTimestamp  *time.Time
}

// New builds an empty Hub for self, backed by store and actions.
func New(self id.Id, store *schedule.Store, actions *action.Queue) *Hub {
	h := &Hub{
		self:         self,
		store:        store,
		actions:      actions,
		errors:       make(map[string]error),
		roleFailures: make(map[string]error),
	}
	h.peers.Store(peer.Peers{})
	h.election.Store(election.State{})
	h.parents.Store([]schedule.Schedule{})
	return h
}

// SelfID returns this node's id.
func (h *Hub) SelfID() id.Id { return h.self }

// --- Peers ---

// Peers returns the latest peer snapshot.
func (h *Hub) Peers() peer.Peers {
	return h.peers.Load().(peer.Peers)
}

// SetPeers publishes a new peer snapshot (called by the peer
// directory on every refresh).
func (h *Hub) SetPeers(p peer.Peers) {
	h.peers.Store(p)
}

// --- Election ---

// Election returns the last published election state.
func (h *Hub) Election() election.State {
	return h.election.Load().(election.State)
}

// IsLeader reports whether this node is currently the elected leader.
func (h *Hub) IsLeader() bool {
	return h.Election().IsLeader
}

// UpdateElection publishes a new election state, carrying forward
// LastStableTimestamp across the transition: it advances to now only
// when the node is (or remains) stable (Leader/Follower), and is
// preserved at its most recent non-empty value otherwise (spec §3:
// "monotonic non-decreasing ... while observed leadership persists").
func (h *Hub) UpdateElection(s election.State, now time.Time) {
	h.mu.Lock()
	if s.IsStable {
		h.lastStableTimestamp = &now
	}
	ts := h.lastStableTimestamp
	h.mu.Unlock()

	wasLeader := h.IsLeader()
	s.LastStableTimestamp = ts
	h.election.Store(s)

	if wasLeader && !s.IsLeader {
		h.store.ClearOwned()
		h.ClearError(string(scheduler.DomainRun))
		h.ClearError(string(scheduler.DomainLoad))
		h.actions.DropAll()
	}
}

// --- Schedules ---

// OwnedSchedule returns the schedule this node most recently computed
// as leader, if any.
func (h *Hub) OwnedSchedule() (schedule.Schedule, bool) {
	hash, ok := h.store.Owned()
	if !ok {
		return schedule.Schedule{}, false
	}
	return h.store.Get(hash)
}

// ParentSchedule returns the schedule the next leader computation
// should build on: the node's own last owned schedule if it has one,
// else the last known schedule from any source.
func (h *Hub) ParentSchedule() (schedule.Schedule, bool) {
	if s, ok := h.OwnedSchedule(); ok {
		return s, true
	}
	return h.LastKnownSchedule()
}

// Parents returns the parent-schedule set last resolved by the
// prefetch coordinator (spec §4.4 step 5), consulted by the driver
// alongside its own ParentSchedule when building scheduler input.
func (h *Hub) Parents() []schedule.Schedule {
	return h.parents.Load().([]schedule.Schedule)
}

// SetParents publishes a freshly resolved parent-schedule set, called
// by the prefetch coordinator once it converges after a leadership
// transition.
func (h *Hub) SetParents(parents []schedule.Schedule) {
	h.parents.Store(parents)
}

// StableSchedule returns the schedule the cluster has converged on.
func (h *Hub) StableSchedule() (schedule.Schedule, bool) {
	hash, ok := h.store.Stable()
	if !ok {
		return schedule.Schedule{}, false
	}
	return h.store.Get(hash)
}

// LastKnownSchedule returns the most recently observed schedule from
// any source (leader computation, follower replication, or the
// bootstrap schedule.json).
func (h *Hub) LastKnownSchedule() (schedule.Schedule, bool) {
	hash, ok := h.store.LastKnown()
	if !ok {
		return schedule.Schedule{}, false
	}
	return h.store.Get(hash)
}

// LeaderCookie proves a scheduling cycle began under a specific
// leader epoch (spec glossary: "Cookie"). SetScheduleByLeader refuses
// to commit a result computed under a cookie whose epoch has since
// moved on, so a driver cycle that straddles a leadership change can
// never publish into the wrong term.
type LeaderCookie struct {
	epoch uint64
}

// AcquireCookie returns a LeaderCookie for the current leader epoch,
// or false if this node is not currently leader (spec §4.5 step 2:
// "Acquire a LeaderCookie from C9; if absent ... sleep").
func (h *Hub) AcquireCookie() (LeaderCookie, bool) {
	e := h.Election()
	if !e.IsLeader {
		return LeaderCookie{}, false
	}
	return LeaderCookie{epoch: e.Epoch}, true
}

// SetScheduleByLeader stores a freshly computed schedule as this
// node's owned schedule, guarded by cookie.epoch == current epoch and
// is_leader (spec §4.4's set_schedule_by_leader). On success it
// delivers a response to every action in sentActionIDs — the
// matching entry from actionResponses, or NoResponse if the scheduler
// didn't acknowledge it (spec §4.5 step 5, §4.9).
func (h *Hub) SetScheduleByLeader(cookie LeaderCookie, s schedule.Schedule, parentHash string, sentActionIDs []uint64, actionResponses map[string]interface{}) error {
	e := h.Election()
	if !e.IsLeader || e.Epoch != cookie.epoch {
		return fmt.Errorf("state: stale leader cookie for epoch %d (current epoch %d, leader=%v)", cookie.epoch, e.Epoch, e.IsLeader)
	}
	h.store.PutWithParent(s, parentHash)
	h.store.SetOwned(s.Hash)
	h.store.SetLastKnown(s.Hash)
	h.actions.DeliverResponses(sentActionIDs, actionResponses)
	return nil
}

// SetScheduleByFollower records a schedule replicated from the
// current leader (spec §4.4's set_schedule_by_follower) and, once
// accepted, advances the cluster-wide stable pointer.
func (h *Hub) SetScheduleByFollower(s schedule.Schedule) error {
	if err := s.Verify(); err != nil {
		return err
	}
	h.store.Put(s)
	h.store.SetLastKnown(s.Hash)
	h.store.SetStable(s.Hash)
	return nil
}

// ResetStableSchedule clears the stable pointer, used when this node
// loses contact with its leader long enough that the previous
// consensus can no longer be trusted (spec §4.4).
func (h *Hub) ResetStableSchedule() {
	h.store.ClearStable()
}

// --- Errors & role health ---

// SetError records a named daemon-level error (e.g. "discovery",
// "scheduler_load") for display on /v1/status.
func (h *Hub) SetError(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors[name] = err
}

// ClearError removes a previously recorded error.
func (h *Hub) ClearError(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.errors, name)
}

// Errors returns a snapshot of all currently recorded errors.
func (h *Hub) Errors() map[string]error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]error, len(h.errors))
	for k, v := range h.errors {
		out[k] = v
	}
	return out
}

// MarkRoleFailure records that role failed to converge, surfaced to
// operators via /v1/status (spec §4.5).
func (h *Hub) MarkRoleFailure(role string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.roleFailures[role] = err
}

// ResetRoleFailure clears a previously recorded role failure.
func (h *Hub) ResetRoleFailure(role string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roleFailures, role)
}

// FailedRoles returns a snapshot of currently failing roles.
func (h *Hub) FailedRoles() map[string]error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]error, len(h.roleFailures))
	for k, v := range h.roleFailures {
		out[k] = v
	}
	return out
}

// --- Actions ---

// PushAction enqueues an operator action. It refuses non-leader nodes
// with action.ErrNotALeader (spec §4.6).
func (h *Hub) PushAction(now time.Time, data map[string]interface{}) (uint64, error) {
	if !h.IsLeader() {
		return 0, action.ErrNotALeader
	}
	return h.actions.Push(now, data)
}

// PendingActionData exposes queued actions' ids and payloads for the
// scheduler input document (spec §4.5).
func (h *Hub) PendingActionData() []action.Input {
	return h.actions.All()
}

// CheckAction reports an action's resolution, if any, without
// blocking, for the /v1/action_is_pending/{id} endpoint.
func (h *Hub) CheckAction(id uint64) (pending bool, found bool) {
	_, ok := h.actions.Get(id)
	return ok, ok
}
