// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeVarsPrecedence(t *testing.T) {
	global := map[string]interface{}{"a": "global", "b": "global"}
	role := map[string]interface{}{"b": "role", "c": "role"}
	node := map[string]interface{}{"c": "node", "d": "node"}
	nodeRole := map[string]interface{}{"d": "node_role"}

	out := MergeVars(global, role, node, nodeRole)
	require.Equal(t, "global", out["a"])
	require.Equal(t, "role", out["b"])
	require.Equal(t, "node", out["c"])
	require.Equal(t, "node_role", out["d"])
}

func TestMergeVarsOneLevelMapRecursion(t *testing.T) {
	global := map[string]interface{}{"nested": map[string]interface{}{"x": 1, "y": 1}}
	nodeRole := map[string]interface{}{"nested": map[string]interface{}{"y": 2, "z": 2}}

	out := MergeVars(global, nil, nil, nodeRole)
	nested := out["nested"].(map[string]interface{})
	require.Equal(t, 1, nested["x"])
	require.Equal(t, 2, nested["y"])
	require.Equal(t, 2, nested["z"])
}

func TestMergeVarsTypeMismatchHigherWins(t *testing.T) {
	global := map[string]interface{}{"v": map[string]interface{}{"x": 1}}
	node := map[string]interface{}{"v": "scalar"}

	out := MergeVars(global, nil, node, nil)
	require.Equal(t, "scalar", out["v"])
}

func TestMergeVarsNilLayers(t *testing.T) {
	out := MergeVars(nil, nil, nil, nil)
	require.Empty(t, out)
}
