// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package schedule implements the content-addressed Schedule Store
// (spec §4.4, C4): schedules are immutable once published and are
// referenced by their SHA1 hash rather than held by pointer, which is
// what keeps the parent-schedule DAG free of cycles (spec §9).
package schedule

import (
	"fmt"
	"time"

	"github.com/tailhook/verwalter/id"
)

// Schedule is an immutable, content-addressed deployment plan
// (spec §3).
type Schedule struct {
	TimestampMs int64
	Hash        string
	Data        map[string]interface{}
	Origin      id.Id
	NumRoles    int
}

// New builds a Schedule from data, computing its hash and role count.
// data must already be the json-decoded document (maps/slices/
// scalars), so Canonicalize produces a stable encoding.
func New(now time.Time, data map[string]interface{}, origin id.Id) (Schedule, error) {
	hash, err := Hash(data)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		TimestampMs: now.UnixMilli(),
		Hash:        hash,
		Data:        data,
		Origin:      origin,
		NumRoles:    countRoles(data),
	}, nil
}

// Verify recomputes s.Hash from s.Data and checks it matches,
// enforcing spec §3's content-addressing invariant (U3).
func (s Schedule) Verify() error {
	want, err := Hash(s.Data)
	if err != nil {
		return err
	}
	if want != s.Hash {
		return fmt.Errorf("schedule: hash mismatch: have %s want %s", s.Hash, want)
	}
	return nil
}

// countRoles counts distinct role names appearing at top-level
// "roles" or under any node's "roles" map (spec §3).
func countRoles(data map[string]interface{}) int {
	names := map[string]struct{}{}

	addFrom := func(v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		for k := range m {
			names[k] = struct{}{}
		}
	}

	addFrom(data["roles"])

	if nodes, ok := data["nodes"].(map[string]interface{}); ok {
		for _, nv := range nodes {
			node, ok := nv.(map[string]interface{})
			if !ok {
				continue
			}
			addFrom(node["roles"])
		}
	}

	return len(names)
}
