// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(body), 0o644))
	return dir
}

func TestLuaBackendRun(t *testing.T) {
	dir := writeScript(t, `
function scheduler(input)
  return '{"echo":' .. input .. '}'
end
`)

	b, err := NewLuaBackend(dir)
	require.NoError(t, err)
	defer b.Close()

	out, _, err := b.Run(context.Background(), []byte(`"hi"`))
	require.NoError(t, err)
	require.Equal(t, `{"echo":"hi"}`, string(out))
}

func TestLuaBackendRunReturnsDebugLog(t *testing.T) {
	dir := writeScript(t, `
function scheduler(input)
  return '{}', 'debug line'
end
`)

	b, err := NewLuaBackend(dir)
	require.NoError(t, err)
	defer b.Close()

	out, debug, err := b.Run(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, `{}`, string(out))
	require.Equal(t, "debug line", debug)
}

func TestLuaBackendRuntimeErrorRecovered(t *testing.T) {
	dir := writeScript(t, `
function scheduler(input)
  error("boom")
end
`)

	b, err := NewLuaBackend(dir)
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.Run(context.Background(), []byte(`{}`))
	require.Error(t, err)

	// A second call still runs and fails the same way instead of
	// panicking.
	_, _, err = b.Run(context.Background(), []byte(`{}`))
	require.Error(t, err)
}

func TestLoadMissingEntrypoint(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, DomainLoad, se.Domain)
}

func TestLoadPicksLuaBackend(t *testing.T) {
	dir := writeScript(t, `function scheduler(input) return input end`)
	b, err := Load(dir)
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*LuaBackend)
	require.True(t, ok)
}
