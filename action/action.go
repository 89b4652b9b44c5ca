// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package action implements the Action Queue (spec §4.6, C10): a
// bounded, per-millisecond-namespaced queue of operator-submitted
// actions awaiting the scheduler's acknowledgement.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// maxPerMillisecond bounds how many actions can be namespaced under
// the same millisecond timestamp (spec §4.6's id scheme).
const maxPerMillisecond = 1000

// ErrTooManyRequests is returned when 1000 actions have already been
// queued within the current millisecond.
var ErrTooManyRequests = errors.New("action: too many requests")

// ErrNotALeader is returned by callers (the shared-state hub, the API
// frontend) when an action is submitted to a non-leader node.
var ErrNotALeader = errors.New("action: this node is not the leader")

// ErrNoResponse is delivered to a waiter when the action's owning
// leader epoch ends before the scheduler acknowledges it.
var ErrNoResponse = errors.New("action: leadership changed before a response arrived")

// Pending is one action awaiting acknowledgement.
type Pending struct {
	ID        uint64
	Data      map[string]interface{}
	CreatedAt time.Time

	done chan Response
}

// Response is the scheduler's acknowledgement of a Pending action.
type Response struct {
	Data map[string]interface{}
	Err  error
}

// Queue tracks pending actions and assigns them ids of the form
// now_ms*1000 + k for the smallest free k < maxPerMillisecond (spec
// §4.6).
type Queue struct {
	mu      sync.Mutex
	pending map[uint64]*Pending
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{pending: make(map[uint64]*Pending)}
}

// Push enqueues data and returns its assigned id.
func (q *Queue) Push(now time.Time, data map[string]interface{}) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	base := uint64(now.UnixMilli()) * maxPerMillisecond
	for k := uint64(0); k < maxPerMillisecond; k++ {
		id := base + k
		if _, taken := q.pending[id]; !taken {
			q.pending[id] = &Pending{ID: id, Data: data, CreatedAt: now, done: make(chan Response, 1)}
			return id, nil
		}
	}
	return 0, ErrTooManyRequests
}

// Get returns the pending action, if it still exists (it is removed
// once resolved).
func (q *Queue) Get(id uint64) (*Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.pending[id]
	return p, ok
}

// Input is one pending action's id paired with its submitted payload,
// as merged into the scheduler's input document (spec §4.5: "actions:
// [{id, ...submitted...}, ...]").
type Input struct {
	ID   uint64
	Data map[string]interface{}
}

// All returns every action's id and raw data, in no particular order,
// for handing to the scheduler as input (spec §4.5's "actions" field)
// and for later matching against the scheduler's response map.
func (q *Queue) All() []Input {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Input, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, Input{ID: p.ID, Data: p.Data})
	}
	return out
}

// Resolve delivers a response to the waiter for id and removes it
// from the queue. It returns false if id is unknown (already resolved
// or never existed).
func (q *Queue) Resolve(id uint64, data map[string]interface{}, err error) bool {
	q.mu.Lock()
	p, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- Response{Data: data, Err: err}
	return true
}

// DeliverResponses resolves each id in sent: with the matching entry
// from responses if present, or ErrNoResponse otherwise (spec §4.5
// step 5, §4.6's "delivered on the next schedule cycle"). ids not in
// sent (actions submitted after the cycle's input was built) are left
// untouched for the next cycle.
func (q *Queue) DeliverResponses(sent []uint64, responses map[string]interface{}) {
	for _, id := range sent {
		if resp, ok := responses[fmt.Sprintf("%d", id)]; ok {
			data, _ := resp.(map[string]interface{})
			q.Resolve(id, data, nil)
		} else {
			q.Resolve(id, nil, ErrNoResponse)
		}
	}
}

// DropAll resolves every still-pending action with ErrNoResponse,
// used when this node stops being leader (spec §4.6).
func (q *Queue) DropAll() {
	q.mu.Lock()
	all := q.pending
	q.pending = make(map[uint64]*Pending)
	q.mu.Unlock()

	for _, p := range all {
		p.done <- Response{Err: ErrNoResponse}
	}
}

// Wait blocks until id is resolved or ctx is done.
func (q *Queue) Wait(ctx context.Context, id uint64) (Response, error) {
	p, ok := q.Get(id)
	if !ok {
		return Response{}, fmt.Errorf("action: unknown id %d", id)
	}
	select {
	case r := <-p.done:
		return r, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
