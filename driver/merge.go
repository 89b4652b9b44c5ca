// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package driver

// MergeVars implements the scheduler input's variable precedence law
// (spec §4.5): node_role_vars overrides node_vars overrides role_vars
// overrides global_vars. Any of the four may be nil.
//
// The merge is one level deep: when the same key holds a
// map[string]interface{} on both sides, the child maps are merged
// key-by-key (higher precedence child key wins); any deeper nesting,
// or a type mismatch between the two sides, makes the higher
// precedence value win outright.
func MergeVars(globalVars, roleVars, nodeVars, nodeRoleVars map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range []map[string]interface{}{globalVars, roleVars, nodeVars, nodeRoleVars} {
		overlay(out, layer)
	}
	return out
}

// overlay merges src into dst in place, src taking precedence.
func overlay(dst, src map[string]interface{}) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}

		existingMap, existingIsMap := existing.(map[string]interface{})
		incomingMap, incomingIsMap := v.(map[string]interface{})
		if existingIsMap && incomingIsMap {
			merged := make(map[string]interface{}, len(existingMap))
			for ek, ev := range existingMap {
				merged[ek] = ev
			}
			for ik, iv := range incomingMap {
				merged[ik] = iv
			}
			dst[k] = merged
			continue
		}

		dst[k] = v
	}
}
