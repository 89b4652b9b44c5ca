// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import "sync"

// Store is the in-memory, content-addressed map of known schedules
// (spec §3 "Lifecycles"): a schedule is retained as long as any of
// LastKnown, Stable, or Owned — or any schedule reachable from those
// through a Parent chain — references it, and is otherwise eligible
// for compaction.
type Store struct {
	mu sync.RWMutex

	byHash map[string]Schedule

	// parent records, for a hash produced by the leader's scheduler
	// run, the hash of the schedule it was computed from (spec §4.4's
	// parent-schedule bookkeeping). Root schedules (no parent, e.g.
	// the bootstrap schedule.json) are absent from this map.
	parent map[string]string

	lastKnown *string
	stable    *string
	owned     *string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		byHash: make(map[string]Schedule),
		parent: make(map[string]string),
	}
}

// Put inserts s if not already present and returns it. The second
// return reports whether s was newly inserted.
func (st *Store) Put(s Schedule) (Schedule, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.byHash[s.Hash]; ok {
		return existing, false
	}
	st.byHash[s.Hash] = s
	return s, true
}

// PutWithParent is Put plus recording that s was derived from parent.
func (st *Store) PutWithParent(s Schedule, parentHash string) (Schedule, bool) {
	out, inserted := st.Put(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if parentHash != "" {
		st.parent[s.Hash] = parentHash
	}
	return out, inserted
}

// Get retrieves a schedule by hash.
func (st *Store) Get(hash string) (Schedule, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byHash[hash]
	return s, ok
}

// Parent returns the hash s was derived from, if any.
func (st *Store) Parent(hash string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.parent[hash]
	return p, ok
}

// SetLastKnown, SetStable and SetOwned update the three named roots
// tracked by the shared-state hub (spec §3: LastKnown, Stable, Owned).
// hash must already be present in the store.
func (st *Store) SetLastKnown(hash string) { st.setRoot(&st.lastKnown, hash) }
func (st *Store) SetStable(hash string)    { st.setRoot(&st.stable, hash) }
func (st *Store) SetOwned(hash string)     { st.setRoot(&st.owned, hash) }

// ClearStable drops the Stable root entirely (spec §4.4: a node that
// has lost contact with its leader for too long can no longer vouch
// for the previous consensus).
func (st *Store) ClearStable() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stable = nil
}

// ClearOwned drops the Owned root entirely, called when this node
// loses leadership (spec §3: "owned_schedule is non-empty only when
// is_leader").
func (st *Store) ClearOwned() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.owned = nil
}

func (st *Store) setRoot(root **string, hash string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	h := hash
	*root = &h
}

// LastKnown, Stable and Owned return the current root hashes, if set.
func (st *Store) LastKnown() (string, bool) { return st.getRoot(st.lastKnown) }
func (st *Store) Stable() (string, bool)    { return st.getRoot(st.stable) }
func (st *Store) Owned() (string, bool)     { return st.getRoot(st.owned) }

func (st *Store) getRoot(root *string) (string, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if root == nil {
		return "", false
	}
	return *root, true
}

// Compact drops every schedule not reachable from LastKnown, Stable or
// Owned through zero or more Parent hops, per spec §3's retention
// rule. It returns the number of schedules removed.
func (st *Store) Compact() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	keep := make(map[string]struct{})
	for _, root := range []*string{st.lastKnown, st.stable, st.owned} {
		if root == nil {
			continue
		}
		h := *root
		for {
			if _, seen := keep[h]; seen {
				break
			}
			keep[h] = struct{}{}
			parent, ok := st.parent[h]
			if !ok {
				break
			}
			h = parent
		}
	}

	removed := 0
	for h := range st.byHash {
		if _, ok := keep[h]; !ok {
			delete(st.byHash, h)
			delete(st.parent, h)
			removed++
		}
	}
	return removed
}

// Len reports how many schedules are currently retained.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byHash)
}
