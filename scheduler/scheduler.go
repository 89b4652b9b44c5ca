// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package scheduler runs the user-supplied scheduling function that
// turns cluster state into a new schedule document (spec §4.5, C7).
// Two sandboxed backends are supported: an embedded Lua interpreter
// (backend "lua", gopher-lua) and a WebAssembly module (backend
// "wasm", wasmer-go). Both are driven through the same Backend
// interface so the driver package never branches on which one is
// configured.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SoftAlarm is how long a scheduler invocation may run before the
// driver logs a watchdog warning; it does not itself cancel the run
// (spec §4.5's "soft" execution alarm).
const SoftAlarm = 1 * time.Second

// Domain tags which phase of scheduler execution an error came from,
// mirroring spec §4.5's scheduler_load / scheduler error domains.
type Domain string

const (
	DomainLoad Domain = "scheduler_load"
	DomainRun  Domain = "scheduler"
)

// Error wraps a failure with the domain it occurred in.
type Error struct {
	Domain Domain
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Domain, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func loadErr(err error) error { return &Error{Domain: DomainLoad, Err: err} }
func runErr(err error) error  { return &Error{Domain: DomainRun, Err: err} }

// ErrPanic is wrapped into a run error when the backend recovers from
// a panic or a WebAssembly trap.
var ErrPanic = errors.New("scheduler: backend panicked")

// Backend is a loaded scheduler instance ready to be invoked
// repeatedly. Implementations must recover from panics/traps inside
// Run and surface them as an error instead of crashing the daemon, so
// the driver can keep serving the previous good instance.
type Backend interface {
	// Run invokes the scheduler with input (already JSON-encoded) and
	// returns its output (still JSON-encoded) plus a free-form debug
	// log the program may have produced alongside it (spec §4.5: the
	// driver retains the last N of these for /v1/debug/scheduler).
	Run(ctx context.Context, input []byte) (output []byte, debug string, err error)
	Close() error
}

// Load loads a scheduler implementation from dir, picking the backend
// by which entrypoint file is present: main.lua selects the Lua
// backend, main.wasm selects the WebAssembly backend. If both are
// absent, Load returns a DomainLoad error.
func Load(dir string) (Backend, error) {
	if has(dir, "main.lua") {
		return NewLuaBackend(dir)
	}
	if has(dir, "main.wasm") {
		return NewWasmBackend(dir)
	}
	return nil, loadErr(fmt.Errorf("no main.lua or main.wasm found in %s", dir))
}
