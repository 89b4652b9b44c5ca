// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package schedule

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonicalize re-marshals data through Go's encoding/json, which
// sorts object keys and uses a stable number/string format. This is
// the fixed canonicalization spec §9's Open Question left
// unspecified: "serialize data then SHA1 it" with object key order
// undetermined. Any two semantically equal documents (as
// map[string]interface{}/[]interface{}/scalars, i.e. already
// json-decoded) produce byte-identical output here.
func Canonicalize(data interface{}) ([]byte, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("schedule: canonicalize: %w", err)
	}
	return b, nil
}

// Hash returns the lowercase-hex SHA1 of data's canonical
// serialization (spec §3, U3).
func Hash(data interface{}) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(canon)
	return hex.EncodeToString(sum[:]), nil
}
