// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package election

import "github.com/tailhook/verwalter/id"

// ActionKind tags the small enum of side effects a transition can
// request (spec §4.2).
type ActionKind int

const (
	// ActionNone means "only re-arm the timer"; no packet is sent.
	ActionNone ActionKind = iota
	// ActionPingAll broadcasts a Ping to every peer with a known address.
	ActionPingAll
	// ActionVote broadcasts a Vote for Target to every peer.
	ActionVote
	// ActionConfirmVote unicasts a Vote for Target to Target itself.
	ActionConfirmVote
	// ActionPong unicasts a Pong to Target.
	ActionPong
)

// Action is a single side effect produced by a transition, alongside
// the machine's new internal state.
type Action struct {
	Kind   ActionKind
	Target id.Id
}

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "None"
	case ActionPingAll:
		return "PingAll"
	case ActionVote:
		return "Vote"
	case ActionConfirmVote:
		return "ConfirmVote"
	case ActionPong:
		return "Pong"
	default:
		return "Unknown"
	}
}
