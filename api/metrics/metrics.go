// Copyright (C) 2020-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registerer is an interface for registering prometheus metrics
type Registerer interface {
	prometheus.Registerer
}

// Registry is an interface for prometheus registry
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// NewRegistry creates a new prometheus registry
func NewRegistry() Registry {
	return prometheus.NewRegistry()
}

// MultiGatherer is a prometheus gatherer that can gather metrics from multiple sources
type MultiGatherer interface {
	prometheus.Gatherer

	// Register adds a new gatherer to this multi-gatherer
	Register(string, prometheus.Gatherer) error
}

// multiGatherer implements MultiGatherer
type multiGatherer struct {
	gatherers map[string]prometheus.Gatherer
}

// NewMultiGatherer creates a new multi-gatherer
func NewMultiGatherer() MultiGatherer {
	return &multiGatherer{
		gatherers: make(map[string]prometheus.Gatherer),
	}
}

// Register adds a new gatherer
func (mg *multiGatherer) Register(name string, gatherer prometheus.Gatherer) error {
	mg.gatherers[name] = gatherer
	return nil
}

// Gather implements prometheus.Gatherer
func (mg *multiGatherer) Gather() ([]*dto.MetricFamily, error) {
	var result []*dto.MetricFamily
	for _, g := range mg.gatherers {
		metrics, err := g.Gather()
		if err != nil {
			return nil, err
		}
		result = append(result, metrics...)
	}
	return result, nil
}

// Metrics is the daemon's prometheus surface (spec §4.7 / SUPPLEMENTED
// FEATURES: /v1/metrics). Only FetchFailures is incremented by the
// daemon (in cmd/verwalterd's follower loop); the other counters are
// registered and exported but stay at zero.
type Metrics interface {
	// Elections counts election epoch transitions this node has
	// entered.
	Elections() prometheus.Counter

	// LeadershipChanges counts how many times this node has become,
	// or stopped being, the leader.
	LeadershipChanges() prometheus.Counter

	// SchedulerRuns counts invocations of the scheduler backend.
	SchedulerRuns() prometheus.Counter

	// SchedulerFailures counts scheduler invocations that errored or
	// panicked.
	SchedulerFailures() prometheus.Counter

	// FetchFailures counts failed schedule replications from a
	// leader.
	FetchFailures() prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics(namespace string, registerer prometheus.Registerer) (Metrics, error) {
	m := &metrics{
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elections_total",
			Help:      "Number of election epochs entered",
		}),
		leadershipChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leadership_changes_total",
			Help:      "Number of leader/non-leader transitions",
		}),
		schedulerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Number of scheduler backend invocations",
		}),
		schedulerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_failures_total",
			Help:      "Number of failed scheduler invocations",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Number of failed schedule replications from a leader",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.elections, m.leadershipChanges, m.schedulerRuns, m.schedulerFailures, m.fetchFailures,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

type metrics struct {
	elections         prometheus.Counter
	leadershipChanges prometheus.Counter
	schedulerRuns     prometheus.Counter
	schedulerFailures prometheus.Counter
	fetchFailures     prometheus.Counter
}

func (m *metrics) Elections() prometheus.Counter         { return m.elections }
func (m *metrics) LeadershipChanges() prometheus.Counter { return m.leadershipChanges }
func (m *metrics) SchedulerRuns() prometheus.Counter     { return m.schedulerRuns }
func (m *metrics) SchedulerFailures() prometheus.Counter { return m.schedulerFailures }
func (m *metrics) FetchFailures() prometheus.Counter     { return m.fetchFailures }
