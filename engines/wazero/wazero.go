// Package wazero implements the controller host's default Wasm backend:
// host.Engine/host.Module/host.Instance built on tetratelabs/wazero, the
// pure-Go Wasm runtime. Unlike engines/wasmtime and engines/wasmer it needs
// no cgo and no external shared library, so it is the backend any consumer
// gets for free just by importing this package.
package wazero

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	host "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
)

type engineImpl struct{}

// Engine returns the wazero backend.
func Engine() host.Engine { return engineImpl{} }

func (engineImpl) Name() string { return "wazero" }

// New compiles code and links the rust-v1alpha1 ABI, a minimal WASI
// preview1 surface, and an AssemblyScript env.abort shim into a fresh
// runtime scoped to this one module. It does not instantiate.
func (engineImpl) New(ctx context.Context, code []byte, cfg abi.Config) (host.Module, error) {
	r := wazero.NewRuntime(ctx)

	m := &Module{runtime: r, cfg: cfg}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wazero: instantiating wasi_snapshot_preview1: %w", err)
	}
	if err := instantiateAssemblyScript(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wazero: instantiating env.abort: %w", err)
	}
	if err := instantiateABI(ctx, r, m); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wazero: linking %s: %w", abi.Version, err)
	}

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("wazero: compiling module: %w", err)
	}
	m.compiled = compiled

	return m, nil
}

// instantiateAssemblyScript defines the legacy "env" "abort" import present
// in Wasm compiled from AssemblyScript when the guest didn't explicitly
// import wasi. A guest hitting it is fatal to that call only: we trap
// rather than silently continuing on an asserted invariant violation.
func instantiateAssemblyScript(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, _ api.Module, _, _, line, col uint32) {
			panic(fmt.Errorf("guest called env.abort at %d:%d", line, col))
		}).
		Export("abort").
		Instantiate(ctx)
	return err
}

// instantiateABI binds the two host calls a guest uses to enqueue outbound
// work without suspending: http-proxy-abi.request and kube-watch-abi.watch.
// Both are bound against m so a single module's compiled form carries its own
// abi.Config; each accepts mod api.Module so the bound function always
// reads from whichever instance actually called it, not a memory handle
// captured at link time.
func instantiateABI(ctx context.Context, r wazero.Runtime, m *Module) error {
	if _, err := r.NewHostModuleBuilder(abi.RequestModule).
		NewFunctionBuilder().
		WithFunc(m.handleRequest).
		Export(abi.RequestFunction).
		Instantiate(ctx); err != nil {
		return err
	}

	_, err := r.NewHostModuleBuilder(abi.WatchModule).
		NewFunctionBuilder().
		WithFunc(m.handleWatch).
		Export(abi.WatchFunction).
		Instantiate(ctx)
	return err
}

// Module is a compiled, linked Wasm module under the rust-v1alpha1 ABI. By
// contract exactly one Instance is created per Module
// (registry.ControllerModule enforces this), though wazero itself would
// allow more.
type Module struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      abi.Config

	logger host.Logger
	writer host.Logger

	instanceCounter uint64
}

// SetLogger sets the callback for the guest's console/stderr output.
func (m *Module) SetLogger(l host.Logger) { m.logger = l }

// SetWriter sets the callback for the guest's WASI stdout (fd 1) writes.
func (m *Module) SetWriter(l host.Logger) { m.writer = l }

// handleRequest implements http-proxy-abi.request's host side: decode the
// HttpRequest at [offset, offset+length) out of the calling instance's
// memory, enqueue it for the executor, and return the packed (id, kind)
// u64 with no blocking on the HTTP round trip itself. A malformed payload
// or out-of-bounds pointer traps the call; the host keeps running other
// controllers.
func (m *Module) handleRequest(ctx context.Context, mod api.Module, offset, length uint32) uint64 {
	payload, err := abi.Read(mod.Memory(), offset, length)
	if err != nil {
		panic(err)
	}
	id, err := abi.HandleRequest(ctx, m.cfg, payload)
	if err != nil {
		panic(err)
	}
	return id
}

// handleWatch implements kube-watch-abi.watch's host side, mirroring
// handleRequest but for watch subscriptions.
func (m *Module) handleWatch(ctx context.Context, mod api.Module, offset, length uint32) uint64 {
	payload, err := abi.Read(mod.Memory(), offset, length)
	if err != nil {
		panic(err)
	}
	id, err := abi.HandleWatch(ctx, m.cfg, payload)
	if err != nil {
		panic(err)
	}
	return id
}

// Instantiate creates the one live Instance for this Module, resolving the
// four required guest exports (memory, allocate, run, on_event). A missing
// export is a fatal LoadError, reported by name so the operator knows
// which symbol the guest failed to provide.
func (m *Module) Instantiate(ctx context.Context) (host.Instance, error) {
	name := fmt.Sprintf("%s-%d", m.cfg.ControllerName, atomic.AddUint64(&m.instanceCounter, 1))

	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStdout(callbackWriter(func(s string) {
			if m.writer != nil {
				m.writer(s)
			}
		})).
		WithStderr(callbackWriter(func(s string) {
			if m.logger != nil {
				m.logger(s)
			}
		}))

	mod, err := m.runtime.InstantiateModule(ctx, m.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating: %w", err)
	}

	inst := &Instance{mod: mod}
	if inst.mem = mod.Memory(); inst.mem == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("missing export %q", abi.ExportMemory)
	}
	if inst.run = mod.ExportedFunction(abi.ExportRun); inst.run == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("missing export %q", abi.ExportRun)
	}
	if inst.onEvent = mod.ExportedFunction(abi.ExportOnEvent); inst.onEvent == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("missing export %q", abi.ExportOnEvent)
	}
	if inst.allocate = mod.ExportedFunction(abi.ExportAllocate); inst.allocate == nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("missing export %q", abi.ExportAllocate)
	}

	return inst, nil
}

// Close tears down the module's compiled form and its dedicated runtime
// (and, transitively, every host module linked into it).
func (m *Module) Close(ctx context.Context) error {
	if m.compiled != nil {
		_ = m.compiled.Close(ctx)
	}
	return m.runtime.Close(ctx)
}

// callbackWriter adapts a func(string) into an io.Writer, for wiring a
// guest's WASI stdout/stderr streams to the per-module Logger callbacks.
type callbackWriter func(string)

func (w callbackWriter) Write(p []byte) (int, error) {
	w(string(p))
	return len(p), nil
}

var _ io.Writer = callbackWriter(nil)

// Instance is one live instantiation of a Module. Calls against it
// (Start, Deliver) must never be invoked concurrently with each other: the
// registry enforces this with a single-slot mailbox, not this type.
type Instance struct {
	mod api.Module
	mem api.Memory

	run      api.Function
	onEvent  api.Function
	allocate api.Function
}

// Start invokes the guest's run() export, which must return promptly
// after registering its watches.
func (i *Instance) Start(ctx context.Context) error {
	_, err := i.run.Call(ctx)
	return err
}

// Deliver allocates len(payload) bytes inside the guest via its allocate
// export, copies payload in, and invokes on_event(id, ptr, len). Ownership
// of the written buffer transfers to the guest; the host never frees it.
func (i *Instance) Deliver(ctx context.Context, id uint64, payload []byte) error {
	alloc := func(ctx context.Context, size uint32) (uint32, error) {
		res, err := i.allocate.Call(ctx, uint64(size))
		if err != nil {
			return 0, err
		}
		return uint32(res[0]), nil
	}

	ptr, err := abi.WriteBack(ctx, i.mem, alloc, payload)
	if err != nil {
		return err
	}

	offset, length := abi.UnpackPointer(ptr)
	_, err = i.onEvent.Call(ctx, id, uint64(offset), uint64(length))
	return err
}

// MemorySize reports the current linear memory size in bytes.
func (i *Instance) MemorySize(context.Context) uint32 {
	return i.mem.Size()
}

// Close tears down this instance. The underlying Module stays usable for
// bookkeeping (e.g. reporting it as failed) even once its one Instance is
// closed; it is not instantiated again.
func (i *Instance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

var (
	_ host.Engine   = engineImpl{}
	_ host.Module   = (*Module)(nil)
	_ host.Instance = (*Instance)(nil)
)
