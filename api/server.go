// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package api implements the daemon's HTTP frontend (spec §4.7, C11):
// read endpoints for cluster and scheduling state, the action
// submission endpoint, and the operator-facing debug/metrics surface.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tailhook/verwalter/action"
	apimetrics "github.com/tailhook/verwalter/api/metrics"
	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/schedule"
)

// Hub is the subset of the shared-state hub the frontend reads and
// writes, declared locally to avoid importing package state (which
// would otherwise be the only consumer requiring it; keeping the
// dependency one-directional keeps package state free to evolve
// without touching the frontend).
type Hub interface {
	Peers() peer.Peers
	Election() election.State
	IsLeader() bool
	OwnedSchedule() (schedule.Schedule, bool)
	StableSchedule() (schedule.Schedule, bool)
	Errors() map[string]error
	FailedRoles() map[string]error
	PushAction(now time.Time, data map[string]interface{}) (uint64, error)
}

// ActionWaiter lets the frontend report whether a submitted action is
// still pending.
type ActionWaiter interface {
	Get(id uint64) (*action.Pending, bool)
}

// Server wires the Hub and ancillary read-only views to HTTP routes.
type Server struct {
	hub        Hub
	actions    ActionWaiter
	debugLog   *log.RingBuffer
	metrics    apimetrics.Metrics
	registry   apimetrics.Registry
	router     *mux.Router
}

// NewServer builds a Server and registers all routes.
func NewServer(hub Hub, actions ActionWaiter, debugLog *log.RingBuffer, registry apimetrics.Registry, metrics apimetrics.Metrics) *Server {
	s := &Server{
		hub:      hub,
		actions:  actions,
		debugLog: debugLog,
		metrics:  metrics,
		registry: registry,
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/schedule", s.handleSchedule).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/election", s.handleElection).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/action", s.handlePostAction).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/action_is_pending/{id}", s.handleActionIsPending).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/debug/scheduler", s.handleDebugScheduler).Methods(http.MethodGet)
	if s.registry != nil {
		s.router.Handle("/v1/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	errs := s.hub.Errors()
	errStrings := make(map[string]string, len(errs))
	for k, v := range errs {
		errStrings[k] = v.Error()
	}

	failed := s.hub.FailedRoles()
	failedStrings := make(map[string]string, len(failed))
	for k, v := range failed {
		failedStrings[k] = v.Error()
	}

	_ = WriteSuccess(w, map[string]interface{}{
		"leader":       s.hub.IsLeader(),
		"peers":        s.hub.Peers().Len(),
		"errors":       errStrings,
		"failed_roles": failedStrings,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.hub.Peers()
	out := make([]map[string]interface{}, 0, len(peers.Mapping))
	for _, p := range peers.Mapping {
		entry := map[string]interface{}{
			"id":           p.Id.String(),
			"hostname":     p.Hostname,
			"display_name": displayName(p),
			"error_count":  p.ErrorCount,
		}
		if p.LastReport != nil {
			entry["last_report"] = p.LastReport.UnixMilli()
		}
		out = append(out, entry)
	}
	_ = WriteSuccess(w, out)
}

// displayName falls back to hostname when no explicit display name
// was configured (SUPPLEMENTED FEATURES).
func displayName(p peer.Peer) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Hostname
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.hub.StableSchedule()
	if !ok {
		sched, ok = s.hub.OwnedSchedule()
	}
	if !ok {
		_ = WriteError(w, http.StatusNotFound, ErrNotFound)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp_ms": sched.TimestampMs,
		"hash":         sched.Hash,
		"origin":       sched.Origin.String(),
		"num_roles":    sched.NumRoles,
		"data":         sched.Data,
	})
}

func (s *Server) handleElection(w http.ResponseWriter, r *http.Request) {
	e := s.hub.Election()
	out := map[string]interface{}{
		"is_leader": e.IsLeader,
		"is_stable": e.IsStable,
		"epoch":     e.Epoch,
	}
	if e.LeaderID != nil {
		out["leader_id"] = e.LeaderID.String()
	}
	if e.PromotingID != nil {
		out["promoting_id"] = e.PromotingID.String()
	}
	if e.NumVotesForMe != nil {
		// SUPPLEMENTED FEATURES: expose in-progress vote tallies so
		// operators can see a stuck election without reading logs.
		out["num_votes_for_me"] = *e.NumVotesForMe
	}
	_ = WriteSuccess(w, out)
}

func (s *Server) handlePostAction(w http.ResponseWriter, r *http.Request) {
	var data map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		_ = WriteError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.hub.PushAction(time.Now(), data)
	switch err {
	case nil:
		_ = WriteSuccess(w, map[string]interface{}{"registered": id})
	case action.ErrNotALeader:
		// spec §6: 421, not leader.
		_ = WriteError(w, http.StatusMisdirectedRequest, err)
	case action.ErrTooManyRequests:
		_ = WriteError(w, http.StatusTooManyRequests, err)
	default:
		_ = WriteError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleActionIsPending(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		_ = WriteError(w, http.StatusBadRequest, err)
		return
	}

	_, pending := s.actions.Get(id)
	_ = WriteSuccess(w, map[string]interface{}{"pending": pending})
}

func (s *Server) handleDebugScheduler(w http.ResponseWriter, r *http.Request) {
	if s.debugLog == nil {
		_ = WriteSuccess(w, []log.Entry{})
		return
	}
	_ = WriteSuccess(w, s.debugLog.Snapshot())
}
