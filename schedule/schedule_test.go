// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
)

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestNewAndVerify(t *testing.T) {
	origin := id.Random()
	data := map[string]interface{}{
		"roles": map[string]interface{}{"web": map[string]interface{}{}},
		"nodes": map[string]interface{}{
			"n1": map[string]interface{}{
				"roles": map[string]interface{}{"web": map[string]interface{}{}, "db": map[string]interface{}{}},
			},
		},
	}

	s, err := New(time.Now(), data, origin)
	require.NoError(t, err)
	require.NoError(t, s.Verify())
	require.Equal(t, 2, s.NumRoles)
	require.Equal(t, origin, s.Origin)
}

func TestVerifyDetectsTamper(t *testing.T) {
	s, err := New(time.Now(), map[string]interface{}{"roles": map[string]interface{}{}}, id.Random())
	require.NoError(t, err)

	s.Data["roles"] = map[string]interface{}{"web": map[string]interface{}{}}
	require.Error(t, s.Verify())
}

func TestCountRolesEmpty(t *testing.T) {
	require.Equal(t, 0, countRoles(map[string]interface{}{}))
}
