// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package driver implements the Scheduler Driver (spec §4.5, C8): on
// the leader only, it rebuilds the scheduler's input document from
// current cluster state, invokes the sandboxed scheduler under a
// watchdog, and publishes the resulting schedule.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tailhook/verwalter/action"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/scheduler"
	"github.com/tailhook/verwalter/state"
)

// Hub is the subset of the shared-state hub (package state) the
// driver needs.
type Hub interface {
	IsLeader() bool
	SelfID() id.Id
	Peers() peer.Peers
	AcquireCookie() (state.LeaderCookie, bool)
	OwnedSchedule() (schedule.Schedule, bool)
	ParentSchedule() (schedule.Schedule, bool)
	Parents() []schedule.Schedule
	PendingActionData() []action.Input
	SetScheduleByLeader(cookie state.LeaderCookie, s schedule.Schedule, parentHash string, sentActionIDs []uint64, actionResponses map[string]interface{}) error
	MarkRoleFailure(role string, err error)
	ResetRoleFailure(role string)
	SetError(name string, err error)
	ClearError(name string)
}

// Input is the JSON document handed to the scheduler function (spec
// §4.5 / §4.7): runtime facts, peers, the parent schedule bodies
// (own plus any resolved via prefetch) and pending actions the
// scheduler may choose to acknowledge.
type Input struct {
	Now     int64                    `json:"now_ms"`
	SelfID  string                   `json:"self_id"`
	Peers   []InputPeer              `json:"peers"`
	Parents []map[string]interface{} `json:"parents,omitempty"`
	Actions []map[string]interface{} `json:"actions,omitempty"`
}

// InputPeer is one cluster member as presented to the scheduler.
type InputPeer struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
}

// Driver owns the loaded scheduler backend and runs it on demand.
type Driver struct {
	hub       Hub
	backend   scheduler.Backend
	configDir string
	debugLog  *log.RingBuffer
	log       log.Logger
}

// New builds a Driver around an already-loaded backend. debugLog may
// be nil; when set, each run's debug output (spec §4.7) is retained
// there for /v1/debug/scheduler.
func New(hub Hub, backend scheduler.Backend, configDir string, debugLog *log.RingBuffer, l log.Logger) *Driver {
	return &Driver{hub: hub, backend: backend, configDir: configDir, debugLog: debugLog, log: l}
}

// Reload discards the current backend and loads a fresh one from
// configDir, used after a debounced config-directory change.
func (d *Driver) Reload() error {
	newBackend, err := scheduler.Load(d.configDir)
	if err != nil {
		d.log.Error("scheduler reload failed, keeping previous instance", zap.Error(err))
		d.hub.SetError(string(scheduler.DomainLoad), err)
		return err
	}
	d.hub.ClearError(string(scheduler.DomainLoad))
	old := d.backend
	d.backend = newBackend
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RunOnce builds the scheduler input, invokes the backend under the
// soft watchdog, and on success publishes the resulting schedule
// through hub.SetScheduleByLeader. It is a no-op if this node is not
// currently the leader.
func (d *Driver) RunOnce(ctx context.Context, now time.Time) error {
	cookie, ok := d.hub.AcquireCookie()
	if !ok {
		return nil
	}

	parentSched, hasParent := d.hub.ParentSchedule()
	pendingActions := d.hub.PendingActionData()
	input := d.buildInput(now, parentSched, hasParent, pendingActions)

	inBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("driver: marshaling scheduler input: %w", err)
	}

	start := time.Now()
	outBytes, debug, err := d.backend.Run(ctx, inBytes)
	if elapsed := time.Since(start); elapsed > scheduler.SoftAlarm {
		d.log.Warn("scheduler run exceeded soft alarm",
			zap.Duration("elapsed", elapsed), zap.Duration("soft_alarm", scheduler.SoftAlarm))
	}
	if debug != "" && d.debugLog != nil {
		d.debugLog.Push(now, debug)
	}
	if err != nil {
		d.hub.MarkRoleFailure("scheduler", err)
		d.hub.SetError(string(scheduler.DomainRun), err)
		return fmt.Errorf("driver: scheduler run: %w", err)
	}
	d.hub.ResetRoleFailure("scheduler")

	var data map[string]interface{}
	if err := json.Unmarshal(outBytes, &data); err != nil {
		d.hub.MarkRoleFailure("scheduler", err)
		d.hub.SetError(string(scheduler.DomainRun), err)
		return fmt.Errorf("driver: decoding scheduler output: %w", err)
	}
	d.hub.ClearError(string(scheduler.DomainRun))

	sched, err := schedule.New(now, data, d.hub.SelfID())
	if err != nil {
		return fmt.Errorf("driver: building schedule: %w", err)
	}

	parentHash := ""
	if hasParent {
		parentHash = parentSched.Hash
	}

	sentIDs := make([]uint64, len(pendingActions))
	for i, a := range pendingActions {
		sentIDs[i] = a.ID
	}
	actionResponses, _ := data["actions"].(map[string]interface{})

	return d.hub.SetScheduleByLeader(cookie, sched, parentHash, sentIDs, actionResponses)
}

func (d *Driver) buildInput(now time.Time, parent schedule.Schedule, hasParent bool, pendingActions []action.Input) Input {
	peers := d.hub.Peers()
	in := Input{
		Now:    now.UnixMilli(),
		SelfID: d.hub.SelfID().String(),
	}
	for _, p := range peers.Mapping {
		in.Peers = append(in.Peers, InputPeer{ID: p.Id.String(), Hostname: p.Hostname})
	}

	seenHash := make(map[string]struct{}, 1+len(d.hub.Parents()))
	addParent := func(s schedule.Schedule) {
		if _, dup := seenHash[s.Hash]; dup {
			return
		}
		seenHash[s.Hash] = struct{}{}
		in.Parents = append(in.Parents, s.Data)
	}
	if hasParent {
		addParent(parent)
	}
	for _, s := range d.hub.Parents() {
		addParent(s)
	}

	for _, a := range pendingActions {
		entry := make(map[string]interface{}, len(a.Data)+1)
		for k, v := range a.Data {
			entry[k] = v
		}
		entry["id"] = strconv.FormatUint(a.ID, 10)
		in.Actions = append(in.Actions, entry)
	}
	return in
}

// Close releases the loaded backend.
func (d *Driver) Close() error {
	if d.backend == nil {
		return nil
	}
	return d.backend.Close()
}
