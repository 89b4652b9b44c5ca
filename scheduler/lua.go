// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaBackend runs main.lua in an embedded interpreter, calling its
// global scheduler(input_json) function on every Run (spec §4.5).
type LuaBackend struct {
	mu   sync.Mutex
	l    *lua.LState
	path string
}

// NewLuaBackend loads dir/main.lua and verifies it defines a global
// "scheduler" function.
func NewLuaBackend(dir string) (*LuaBackend, error) {
	path := filepath.Join(dir, "main.lua")
	l := lua.NewState()

	if err := l.DoFile(path); err != nil {
		l.Close()
		return nil, loadErr(fmt.Errorf("loading %s: %w", path, err))
	}

	fn := l.GetGlobal("scheduler")
	if fn.Type() != lua.LTFunction {
		l.Close()
		return nil, loadErr(fmt.Errorf("%s does not define a scheduler function", path))
	}

	return &LuaBackend{l: l, path: path}, nil
}

// Run calls scheduler(input_json), which returns (json_string,
// debug_string) per spec §4.7; a scheduler that returns only the
// first value is tolerated, with debug left empty. Lua runtime errors
// and panics are recovered and reported as DomainRun errors, leaving
// the interpreter state intact for the next call where possible.
func (b *LuaBackend) Run(ctx context.Context, input []byte) (out []byte, debug string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = runErr(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	fn := b.l.GetGlobal("scheduler")
	if fn.Type() != lua.LTFunction {
		return nil, "", runErr(fmt.Errorf("scheduler function missing from %s", b.path))
	}

	if err := b.l.CallByParam(lua.P{
		Fn:      fn,
		NRet:    2,
		Protect: true,
	}, lua.LString(input)); err != nil {
		return nil, "", runErr(fmt.Errorf("calling scheduler in %s: %w", b.path, err))
	}

	debugRet := b.l.Get(-1)
	jsonRet := b.l.Get(-2)
	b.l.Pop(2)

	s, ok := jsonRet.(lua.LString)
	if !ok {
		return nil, "", runErr(fmt.Errorf("scheduler in %s did not return a string", b.path))
	}
	if ds, ok := debugRet.(lua.LString); ok {
		debug = string(ds)
	}
	return []byte(s), debug, nil
}

// Close releases the interpreter.
func (b *LuaBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.l.Close()
	return nil
}
