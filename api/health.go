// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/tailhook/verwalter/api/health"
)

// hubChecker adapts Hub into health.Checkable for /v1/health: a node
// is healthy once its election state has settled (Leader or Follower)
// and it has a schedule to show for it, and unhealthy while it's mid
// election or has recorded daemon-level errors (spec §7's taxonomy).
type hubChecker struct {
	hub Hub
}

func (c *hubChecker) Health(ctx context.Context) (interface{}, error) {
	start := time.Now()
	checks := []health.Check{
		c.electionCheck(),
		c.scheduleCheck(),
		c.errorsCheck(),
	}

	healthy := true
	for _, chk := range checks {
		if !chk.Healthy {
			healthy = false
			break
		}
	}

	return health.Report{
		Healthy:  healthy,
		Checks:   checks,
		Duration: time.Since(start),
	}, nil
}

func (c *hubChecker) electionCheck() health.Check {
	start := time.Now()
	e := c.hub.Election()
	chk := health.Check{Name: "election", Healthy: e.IsStable, Duration: time.Since(start)}
	if !e.IsStable {
		chk.Error = "election has not converged on a leader yet"
	}
	return chk
}

func (c *hubChecker) scheduleCheck() health.Check {
	start := time.Now()
	_, ok := c.hub.StableSchedule()
	if !ok {
		_, ok = c.hub.OwnedSchedule()
	}
	chk := health.Check{Name: "schedule", Healthy: ok, Duration: time.Since(start)}
	if !ok {
		chk.Error = "no stable or owned schedule published yet"
	}
	return chk
}

func (c *hubChecker) errorsCheck() health.Check {
	start := time.Now()
	errs := c.hub.Errors()
	chk := health.Check{Name: "errors", Healthy: len(errs) == 0, Duration: time.Since(start)}
	if len(errs) != 0 {
		details := make(map[string]interface{}, len(errs))
		for k, v := range errs {
			details[k] = v.Error()
		}
		chk.Details = details
		chk.Error = "one or more error domains are set"
	}
	return chk
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checker := &hubChecker{hub: s.hub}
	report, _ := checker.Health(r.Context())

	rep := report.(health.Report)
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusServiceUnavailable
	}
	_ = WriteJSON(w, status, rep)
}
