// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
)

func mustSchedule(t *testing.T, tag string) Schedule {
	t.Helper()
	s, err := New(time.Now(), map[string]interface{}{"tag": tag}, id.Random())
	require.NoError(t, err)
	return s
}

func TestStorePutGet(t *testing.T) {
	st := NewStore()
	s := mustSchedule(t, "one")

	out, inserted := st.Put(s)
	require.True(t, inserted)
	require.Equal(t, s.Hash, out.Hash)

	_, inserted = st.Put(s)
	require.False(t, inserted)

	got, ok := st.Get(s.Hash)
	require.True(t, ok)
	require.Equal(t, s.Hash, got.Hash)
}

func TestStoreCompactKeepsReachableChain(t *testing.T) {
	st := NewStore()
	root := mustSchedule(t, "root")
	mid := mustSchedule(t, "mid")
	leaf := mustSchedule(t, "leaf")
	orphan := mustSchedule(t, "orphan")

	st.Put(root)
	st.PutWithParent(mid, root.Hash)
	st.PutWithParent(leaf, mid.Hash)
	st.Put(orphan)

	st.SetStable(leaf.Hash)
	removed := st.Compact()

	require.Equal(t, 1, removed)
	_, ok := st.Get(orphan.Hash)
	require.False(t, ok)

	for _, h := range []string{root.Hash, mid.Hash, leaf.Hash} {
		_, ok := st.Get(h)
		require.True(t, ok, "hash %s should be retained", h)
	}
}

func TestStoreRoots(t *testing.T) {
	st := NewStore()
	s := mustSchedule(t, "x")
	st.Put(s)

	st.SetLastKnown(s.Hash)
	st.SetStable(s.Hash)
	st.SetOwned(s.Hash)

	for _, get := range []func() (string, bool){st.LastKnown, st.Stable, st.Owned} {
		h, ok := get()
		require.True(t, ok)
		require.Equal(t, s.Hash, h)
	}
}
