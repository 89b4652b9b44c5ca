// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// WasmBackend runs main.wasm under wasmer. The module must export a
// linear "memory", an "alloc(len int32) -> ptr int32", a
// "dealloc(ptr int32, len int32)" and a "scheduler(ptr int32, len
// int32) -> packed int64" function, where packed encodes the output
// buffer as (ptr<<32)|len. An optional "init" function, if exported,
// is called once after instantiation.
type WasmBackend struct {
	mu       sync.Mutex
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
	dealloc  wasmer.NativeFunction
	run      wasmer.NativeFunction
	path     string
}

// NewWasmBackend loads and instantiates dir/main.wasm.
func NewWasmBackend(dir string) (*WasmBackend, error) {
	path := filepath.Join(dir, "main.wasm")
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(fmt.Errorf("reading %s: %w", path, err))
	}

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, loadErr(fmt.Errorf("compiling %s: %w", path, err))
	}

	importObject := wasmer.NewImportObject()
	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, loadErr(fmt.Errorf("instantiating %s: %w", path, err))
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, loadErr(fmt.Errorf("%s does not export linear memory: %w", path, err))
	}

	alloc, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return nil, loadErr(fmt.Errorf("%s does not export alloc: %w", path, err))
	}
	dealloc, err := instance.Exports.GetFunction("dealloc")
	if err != nil {
		return nil, loadErr(fmt.Errorf("%s does not export dealloc: %w", path, err))
	}
	run, err := instance.Exports.GetFunction("scheduler")
	if err != nil {
		return nil, loadErr(fmt.Errorf("%s does not export scheduler: %w", path, err))
	}

	if init, ierr := instance.Exports.GetFunction("init"); ierr == nil {
		if _, callErr := init(); callErr != nil {
			return nil, loadErr(fmt.Errorf("%s init() failed: %w", path, callErr))
		}
	}

	return &WasmBackend{
		store:    store,
		instance: instance,
		memory:   memory,
		alloc:    alloc,
		dealloc:  dealloc,
		run:      run,
		path:     path,
	}, nil
}

// Run copies input into the module's linear memory, invokes
// scheduler(ptr, len), and reads back the packed output buffer.
// WebAssembly traps surface as DomainRun errors (ErrPanic) rather than
// crashing the host. The wasm protocol (spec §4.7) carries only the
// schedule JSON through the packed pointer/length pair, not a separate
// debug channel, so debug is always empty for this backend.
func (b *WasmBackend) Run(ctx context.Context, input []byte) (out []byte, debug string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = runErr(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	inPtrRaw, err := b.alloc(int32(len(input)))
	if err != nil {
		return nil, "", runErr(fmt.Errorf("alloc in %s: %w", b.path, err))
	}
	inPtr, ok := inPtrRaw.(int32)
	if !ok {
		return nil, "", runErr(fmt.Errorf("alloc in %s returned non-int32", b.path))
	}

	data := b.memory.Data()
	copy(data[inPtr:], input)

	packedRaw, err := b.run(inPtr, int32(len(input)))
	if err != nil {
		return nil, "", runErr(fmt.Errorf("%w: scheduler call in %s: %w", ErrPanic, b.path, err))
	}
	packed, ok := packedRaw.(int64)
	if !ok {
		return nil, "", runErr(fmt.Errorf("scheduler in %s did not return packed int64", b.path))
	}

	outPtr := int32(packed >> 32)
	outLen := int32(packed & 0xFFFFFFFF)

	data = b.memory.Data()
	if int(outPtr)+int(outLen) > len(data) || outPtr < 0 || outLen < 0 {
		return nil, "", runErr(fmt.Errorf("scheduler in %s returned an out-of-bounds buffer", b.path))
	}
	out = make([]byte, outLen)
	copy(out, data[outPtr:outPtr+outLen])

	if _, err := b.dealloc(inPtr, int32(len(input))); err != nil {
		return nil, "", runErr(fmt.Errorf("dealloc input in %s: %w", b.path, err))
	}
	if _, err := b.dealloc(outPtr, outLen); err != nil {
		return nil, "", runErr(fmt.Errorf("dealloc output in %s: %w", b.path, err))
	}

	return out, "", nil
}

// Close releases the wasmer store.
func (b *WasmBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.store.Close()
	return nil
}
