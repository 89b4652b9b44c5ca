// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package election

import (
	"time"

	"github.com/tailhook/verwalter/id"
)

// Kind tags the five states of the per-node election machine
// (spec §3, "Machine (internal)").
type Kind int

const (
	Starting Kind = iota
	Electing
	Voted
	Leader
	Follower
)

func (k Kind) String() string {
	switch k {
	case Starting:
		return "Starting"
	case Electing:
		return "Electing"
	case Voted:
		return "Voted"
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	default:
		return "Unknown"
	}
}

// State is the published projection of the Machine's internal
// variant (spec §3, "ElectionState (published)").
type State struct {
	IsLeader           bool
	IsStable           bool
	LeaderID           *id.Id
	PromotingID        *id.Id
	NumVotesForMe      *int
	Epoch              uint64
	Deadline           time.Time
	LastStableTimestamp *time.Time
}
