// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushAndResolve(t *testing.T) {
	q := New()
	now := time.Now()

	id, err := q.Push(now, map[string]interface{}{"op": "restart"})
	require.NoError(t, err)

	go func() {
		ok := q.Resolve(id, map[string]interface{}{"status": "done"}, nil)
		require.True(t, ok)
	}()

	resp, err := q.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "done", resp.Data["status"])

	_, ok := q.Get(id)
	require.False(t, ok)
}

func TestPushAssignsDistinctIDsWithinSameMillisecond(t *testing.T) {
	q := New()
	now := time.Now()

	id1, err := q.Push(now, map[string]interface{}{})
	require.NoError(t, err)
	id2, err := q.Push(now, map[string]interface{}{})
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Equal(t, id1/maxPerMillisecond, id2/maxPerMillisecond)
}

func TestPushTooManyRequests(t *testing.T) {
	q := New()
	now := time.Now()
	for i := 0; i < maxPerMillisecond; i++ {
		_, err := q.Push(now, map[string]interface{}{})
		require.NoError(t, err)
	}
	_, err := q.Push(now, map[string]interface{}{})
	require.ErrorIs(t, err, ErrTooManyRequests)
}

func TestDropAllDeliversNoResponse(t *testing.T) {
	q := New()
	now := time.Now()
	id, err := q.Push(now, map[string]interface{}{})
	require.NoError(t, err)

	pending, ok := q.Get(id)
	require.True(t, ok)

	q.DropAll()

	select {
	case resp := <-pending.done:
		require.ErrorIs(t, resp.Err, ErrNoResponse)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DropAll response")
	}

	_, ok = q.Get(id)
	require.False(t, ok)
}
