// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/action"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/scheduler"
	"github.com/tailhook/verwalter/state"
)

type fakeHub struct {
	self      id.Id
	leader    bool
	peers     peer.Peers
	pending   []action.Input
	published *schedule.Schedule
	responses map[string]interface{}
	failures  map[string]error
	errs      map[string]error
}

func newFakeHub(self id.Id) *fakeHub {
	return &fakeHub{self: self, leader: true, failures: map[string]error{}, errs: map[string]error{}}
}

func (h *fakeHub) IsLeader() bool    { return h.leader }
func (h *fakeHub) SelfID() id.Id     { return h.self }
func (h *fakeHub) Peers() peer.Peers { return h.peers }
func (h *fakeHub) AcquireCookie() (state.LeaderCookie, bool) {
	if !h.leader {
		return state.LeaderCookie{}, false
	}
	return state.LeaderCookie{}, true
}
func (h *fakeHub) OwnedSchedule() (schedule.Schedule, bool) {
	if h.published == nil {
		return schedule.Schedule{}, false
	}
	return *h.published, true
}
func (h *fakeHub) ParentSchedule() (schedule.Schedule, bool) { return h.OwnedSchedule() }
func (h *fakeHub) Parents() []schedule.Schedule              { return nil }
func (h *fakeHub) PendingActionData() []action.Input         { return h.pending }
func (h *fakeHub) SetScheduleByLeader(cookie state.LeaderCookie, s schedule.Schedule, parentHash string, sentActionIDs []uint64, actionResponses map[string]interface{}) error {
	h.published = &s
	h.responses = actionResponses
	return nil
}
func (h *fakeHub) MarkRoleFailure(role string, err error) { h.failures[role] = err }
func (h *fakeHub) ResetRoleFailure(role string)            { delete(h.failures, role) }
func (h *fakeHub) SetError(name string, err error)         { h.errs[name] = err }
func (h *fakeHub) ClearError(name string)                  { delete(h.errs, name) }

func luaDriverDir(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(body), 0o644))
	return dir
}

func TestRunOncePublishesSchedule(t *testing.T) {
	dir := luaDriverDir(t, `
function scheduler(input)
  return '{"roles":{"web":{}}}'
end
`)
	backend, err := scheduler.Load(dir)
	require.NoError(t, err)

	self := id.Random()
	hub := newFakeHub(self)
	hub.peers = peer.Peers{Mapping: map[id.Id]peer.Peer{self: {Id: self, Hostname: "h1"}}}

	d := New(hub, backend, dir, nil, log.NoOp())
	require.NoError(t, d.RunOnce(context.Background(), time.Now()))

	require.NotNil(t, hub.published)
	require.Equal(t, 1, hub.published.NumRoles)
}

func TestRunOnceSkippedWhenNotLeader(t *testing.T) {
	dir := luaDriverDir(t, `function scheduler(input) return '{}' end`)
	backend, err := scheduler.Load(dir)
	require.NoError(t, err)

	hub := newFakeHub(id.Random())
	hub.leader = false

	d := New(hub, backend, dir, nil, log.NoOp())
	require.NoError(t, d.RunOnce(context.Background(), time.Now()))
	require.Nil(t, hub.published)
}

func TestRunOnceMarksFailureOnBadOutput(t *testing.T) {
	dir := luaDriverDir(t, `function scheduler(input) error("nope") end`)
	backend, err := scheduler.Load(dir)
	require.NoError(t, err)

	hub := newFakeHub(id.Random())
	d := New(hub, backend, dir, nil, log.NoOp())

	err = d.RunOnce(context.Background(), time.Now())
	require.Error(t, err)
	require.Contains(t, hub.failures, "scheduler")
}

func TestRunOnceExtractsActionResponses(t *testing.T) {
	dir := luaDriverDir(t, `
function scheduler(input)
  return '{"roles":{},"actions":{"42":{"ok":true}}}'
end
`)
	backend, err := scheduler.Load(dir)
	require.NoError(t, err)

	hub := newFakeHub(id.Random())
	hub.pending = []action.Input{{ID: 42, Data: map[string]interface{}{"op": "noop"}}}

	d := New(hub, backend, dir, nil, log.NoOp())
	require.NoError(t, d.RunOnce(context.Background(), time.Now()))

	require.NotNil(t, hub.responses)
	entry, ok := hub.responses["42"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, true, entry["ok"])
}
