// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fetch implements the Fetch Client (spec §4.4, C6): the
// follower-side half of schedule replication. It polls the current
// leader's HTTP frontend for /v1/schedule, verifies the response
// against its content hash, and tracks per-peer exponential backoff
// so a leader that keeps failing doesn't get hammered every tick.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
)

// Kind enumerates the follower replication state machine (spec §4.4).
type Kind int

const (
	Unstable Kind = iota
	StableLeader
	FollowerWaiting
	Replicating
	Following
)

func (k Kind) String() string {
	switch k {
	case Unstable:
		return "unstable"
	case StableLeader:
		return "stable_leader"
	case FollowerWaiting:
		return "follower_waiting"
	case Replicating:
		return "replicating"
	case Following:
		return "following"
	default:
		return "unknown"
	}
}

// State is the published projection of the Client's replication
// progress.
type State struct {
	Kind     Kind
	LeaderID *id.Id
	Schedule *schedule.Schedule
}

// Backoff parameters for blacklisting a leader that fails to serve a
// schedule (spec SUPPLEMENTED FEATURES).
const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
)

type blacklistEntry struct {
	until time.Time
	delay time.Duration
}

// scheduleResponse mirrors the JSON body of GET /v1/schedule.
type scheduleResponse struct {
	TimestampMs int64                  `json:"timestamp_ms"`
	Hash        string                 `json:"hash"`
	Origin      string                 `json:"origin"`
	Data        map[string]interface{} `json:"data"`
}

// Client replicates schedules from whichever peer is currently
// leader.
type Client struct {
	httpClient *http.Client
	httpPort   int

	onFailure func(id.Id)
	onSuccess func(id.Id)

	mu         sync.Mutex
	kind       Kind
	leader     *id.Id
	schedule   *schedule.Schedule
	blacklist  map[id.Id]blacklistEntry
}

// NewClient builds a Client that reaches peers' frontends on
// httpPort, using client for the underlying HTTP calls (pass nil for
// http.DefaultClient semantics with a sane timeout).
func NewClient(httpPort int, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{
		httpClient: client,
		httpPort:   httpPort,
		kind:       Unstable,
		blacklist:  make(map[id.Id]blacklistEntry),
	}
}

// OnFailure registers a callback fired on every failed fetch attempt
// against a peer, keyed by that peer's id (spec §4.6/§4.10: "increment
// the peer's error_count in C1").
func (c *Client) OnFailure(f func(id.Id)) {
	c.onFailure = f
}

// OnSuccess registers a callback fired when Poll succeeds against a
// peer that was in backoff, and on every successful Fetch.
func (c *Client) OnSuccess(f func(id.Id)) {
	c.onSuccess = f
}

// Snapshot returns the current replication state.
func (c *Client) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Kind: c.kind, LeaderID: c.leader, Schedule: c.schedule}
}

// BecomeStableLeader transitions a node that has just become leader
// itself: it trivially "follows" its own owned schedule.
func (c *Client) BecomeStableLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kind = StableLeader
	c.leader = nil
}

// NoteLeader transitions into FollowerWaiting for a newly known
// leader. If the leader hasn't changed this is a no-op so in-flight
// Replicating state survives spurious re-announcements.
func (c *Client) NoteLeader(leader id.Id) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != nil && *c.leader == leader && c.kind != Unstable {
		return
	}
	l := leader
	c.leader = &l
	c.kind = FollowerWaiting
}

// blacklisted reports whether p is currently serving a backoff
// penalty.
func (c *Client) blacklisted(p id.Id, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.blacklist[p]
	return ok && now.Before(e.until)
}

func (c *Client) recordFailure(p id.Id, now time.Time) {
	c.mu.Lock()
	e, ok := c.blacklist[p]
	delay := backoffBase
	if ok {
		delay = e.delay * backoffFactor
		if delay > backoffCap {
			delay = backoffCap
		}
	}
	c.blacklist[p] = blacklistEntry{until: now.Add(delay), delay: delay}
	onFailure := c.onFailure
	c.mu.Unlock()
	if onFailure != nil {
		onFailure(p)
	}
}

func (c *Client) clearFailure(p id.Id) {
	c.mu.Lock()
	_, hadFailure := c.blacklist[p]
	delete(c.blacklist, p)
	onSuccess := c.onSuccess
	c.mu.Unlock()
	if hadFailure && onSuccess != nil {
		onSuccess(p)
	}
}

// Fetch implements prefetch.Fetcher: it GETs /v1/schedule from p and
// verifies the body matches hash. It ignores p's backoff state —
// callers replicating from the cluster leader should use Poll
// instead, which respects blacklisting.
func (c *Client) Fetch(ctx context.Context, p peer.Peer, hash string) (schedule.Schedule, error) {
	sched, err := c.get(ctx, p)
	if err != nil {
		if c.onFailure != nil {
			c.onFailure(p.Id)
		}
		return schedule.Schedule{}, err
	}
	if hash != "" && sched.Hash != hash {
		if c.onFailure != nil {
			c.onFailure(p.Id)
		}
		return schedule.Schedule{}, fmt.Errorf("fetch: got hash %s, wanted %s", sched.Hash, hash)
	}
	if c.onSuccess != nil {
		c.onSuccess(p.Id)
	}
	return sched, nil
}

// Poll attempts one replication step against the given leader peer,
// honoring backoff. It updates the Client's state machine and
// returns the fetched schedule on success.
func (c *Client) Poll(ctx context.Context, leader peer.Peer) (schedule.Schedule, error) {
	now := time.Now()
	if c.blacklisted(leader.Id, now) {
		return schedule.Schedule{}, fmt.Errorf("fetch: %s is blacklisted", leader.Id)
	}

	c.mu.Lock()
	c.kind = Replicating
	c.mu.Unlock()

	sched, err := c.get(ctx, leader)
	if err != nil {
		c.recordFailure(leader.Id, now)
		c.mu.Lock()
		c.kind = FollowerWaiting
		c.mu.Unlock()
		return schedule.Schedule{}, err
	}
	if verr := sched.Verify(); verr != nil {
		c.recordFailure(leader.Id, now)
		return schedule.Schedule{}, verr
	}

	c.clearFailure(leader.Id)
	c.mu.Lock()
	c.kind = Following
	l := leader.Id
	c.leader = &l
	c.schedule = &sched
	c.mu.Unlock()

	return sched, nil
}

func (c *Client) get(ctx context.Context, p peer.Peer) (schedule.Schedule, error) {
	if p.Addr == nil {
		return schedule.Schedule{}, fmt.Errorf("fetch: peer %s has no known address", p.Id)
	}
	url := fmt.Sprintf("http://%s:%d/v1/schedule", p.Addr.IP.String(), c.httpPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return schedule.Schedule{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("fetch: request to %s: %w", p.Id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return schedule.Schedule{}, fmt.Errorf("fetch: %s returned status %d", p.Id, resp.StatusCode)
	}

	var body scheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return schedule.Schedule{}, fmt.Errorf("fetch: decoding response from %s: %w", p.Id, err)
	}

	origin, err := id.FromHex(body.Origin)
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("fetch: bad origin from %s: %w", p.Id, err)
	}

	return schedule.Schedule{
		TimestampMs: body.TimestampMs,
		Hash:        body.Hash,
		Data:        body.Data,
		Origin:      origin,
	}, nil
}
