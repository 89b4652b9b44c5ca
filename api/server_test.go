// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/action"
	"github.com/tailhook/verwalter/api/health"
	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
)

type fakeHub struct {
	peers     peer.Peers
	electionS election.State
	leader    bool
	owned     *schedule.Schedule
	stable    *schedule.Schedule
	queue     *action.Queue
}

func (h *fakeHub) Peers() peer.Peers       { return h.peers }
func (h *fakeHub) Election() election.State { return h.electionS }
func (h *fakeHub) IsLeader() bool           { return h.leader }
func (h *fakeHub) OwnedSchedule() (schedule.Schedule, bool) {
	if h.owned == nil {
		return schedule.Schedule{}, false
	}
	return *h.owned, true
}
func (h *fakeHub) StableSchedule() (schedule.Schedule, bool) {
	if h.stable == nil {
		return schedule.Schedule{}, false
	}
	return *h.stable, true
}
func (h *fakeHub) Errors() map[string]error       { return nil }
func (h *fakeHub) FailedRoles() map[string]error  { return nil }
func (h *fakeHub) PushAction(now time.Time, data map[string]interface{}) (uint64, error) {
	if !h.leader {
		return 0, action.ErrNotALeader
	}
	return h.queue.Push(now, data)
}

func newTestServer() (*Server, *fakeHub) {
	hub := &fakeHub{queue: action.New()}
	s := NewServer(hub, hub.queue, nil, nil, nil)
	return s, hub
}

func TestHandlePeers(t *testing.T) {
	s, hub := newTestServer()
	self := id.Random()
	hub.peers = peer.Peers{Mapping: map[id.Id]peer.Peer{self: {Id: self, Hostname: "box1"}}}

	req := httptest.NewRequest(http.MethodGet, "/v1/peers", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
}

func TestHandleScheduleNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/schedule", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePostActionRejectsNonLeader(t *testing.T) {
	s, _ := newTestServer()
	body := bytes.NewBufferString(`{"op":"restart"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/action", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMisdirectedRequest, rec.Code)
}

func TestHandlePostActionAcceptedWhenLeader(t *testing.T) {
	s, hub := newTestServer()
	hub.leader = true

	body := bytes.NewBufferString(`{"op":"restart"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/action", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Success)
}

func TestHandleHealthUnhealthyBeforeElectionSettles(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var rep health.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	require.False(t, rep.Healthy)
}

func TestHandleHealthHealthyOnceStableWithSchedule(t *testing.T) {
	s, hub := newTestServer()
	hub.electionS = election.State{IsLeader: true, IsStable: true}
	sched, err := schedule.New(time.Now(), map[string]interface{}{}, id.Random())
	require.NoError(t, err)
	hub.owned = &sched

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep health.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	require.True(t, rep.Healthy)
	require.Len(t, rep.Checks, 3)
}

func TestHandleElectionExposesNumVotesForMe(t *testing.T) {
	s, hub := newTestServer()
	n := 2
	hub.electionS = election.State{NumVotesForMe: &n, Epoch: 5}

	req := httptest.NewRequest(http.MethodGet, "/v1/election", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	result := resp.Result.(map[string]interface{})
	require.Equal(t, float64(2), result["num_votes_for_me"])
}
