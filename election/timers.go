// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package election

import (
	"math/rand"
	"time"
)

// Fixed timer constants (spec §4.2 "Timers").
const (
	startTimeoutBase  = 5000 * time.Millisecond
	electionIntervalMin = 1200 * time.Millisecond
	electionIntervalMax = 3000 * time.Millisecond
	heartbeat           = 600 * time.Millisecond
)

// rng abstracts randomized interval generation so tests can supply a
// deterministic source.
type rng struct {
	r *rand.Rand
}

func newRNG() *rng {
	return &rng{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *rng) electionInterval() time.Duration {
	span := electionIntervalMax - electionIntervalMin
	return electionIntervalMin + time.Duration(g.r.Int63n(int64(span)))
}

func (g *rng) startTimeout() time.Duration {
	return startTimeoutBase + g.electionInterval()
}
