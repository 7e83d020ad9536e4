//go:build (((amd64 || arm64) && !windows) || (amd64 && windows)) && cgo

// Package wasmtime implements the controller host's cgo Wasm backend on
// bytecodealliance/wasmtime-go. It trades the pure-Go engines/wazero
// backend's portability for wasmtime's JIT, useful when a deployment
// already accepts the cgo/shared-library dependency for other reasons.
package wasmtime

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bytecodealliance/wasmtime-go"

	host "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
)

type engineImpl struct{}

// Engine returns the wasmtime backend.
func Engine() host.Engine { return engineImpl{} }

func (engineImpl) Name() string { return "wasmtime" }

// New compiles code into a *wasmtime.Module scoped to a fresh engine and
// store. It does not instantiate or link the ABI host imports; that
// happens per Instantiate since wasmtime.Func callbacks close over the
// *Instance they belong to, not the Module.
func (engineImpl) New(ctx context.Context, code []byte, cfg abi.Config) (host.Module, error) {
	engine := wasmtime.NewEngine()
	store := wasmtime.NewStore(engine)
	store.SetWasi(wasmtime.NewWasiConfig())

	mod, err := wasmtime.NewModule(engine, code)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: compiling module: %w", err)
	}

	return &Module{
		engine: engine,
		store:  store,
		module: mod,
		cfg:    cfg,
	}, nil
}

// Module is a compiled wasmtime module under the rust-v1alpha1 ABI.
// Exactly one Instance is created per Module by contract
// (registry.ControllerModule enforces this).
type Module struct {
	engine *wasmtime.Engine
	store  *wasmtime.Store
	module *wasmtime.Module
	cfg    abi.Config

	logger host.Logger
	writer host.Logger

	instanceCounter uint64
}

// SetLogger sets the callback for the guest's console/stderr output.
func (m *Module) SetLogger(l host.Logger) { m.logger = l }

// SetWriter sets the callback for the guest's WASI stdout (fd 1) writes.
func (m *Module) SetWriter(l host.Logger) { m.writer = l }

// Instantiate links the rust-v1alpha1 ABI host imports, a WASI preview1
// surface and an AssemblyScript env.abort shim, instantiates the module,
// and resolves the four required guest exports.
func (m *Module) Instantiate(ctx context.Context) (host.Instance, error) {
	atomic.AddUint64(&m.instanceCounter, 1)

	i := &Instance{m: m}

	linker := wasmtime.NewLinker(m.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("wasmtime: defining wasi: %w", err)
	}
	if err := linker.Define("env", "abort", i.abortFunc()); err != nil {
		return nil, fmt.Errorf("wasmtime: linking env.abort: %w", err)
	}
	if err := linker.Define(abi.RequestModule, abi.RequestFunction, i.requestFunc(ctx)); err != nil {
		return nil, fmt.Errorf("wasmtime: linking %s.%s: %w", abi.RequestModule, abi.RequestFunction, err)
	}
	if err := linker.Define(abi.WatchModule, abi.WatchFunction, i.watchFunc(ctx)); err != nil {
		return nil, fmt.Errorf("wasmtime: linking %s.%s: %w", abi.WatchModule, abi.WatchFunction, err)
	}

	inst, err := linker.Instantiate(m.store, m.module)
	if err != nil {
		return nil, fmt.Errorf("wasmtime: instantiating: %w", err)
	}
	i.inst = inst

	memExport := inst.GetExport(m.store, abi.ExportMemory)
	if memExport == nil || memExport.Memory() == nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportMemory)
	}
	i.mem = memExport.Memory()

	if i.run = inst.GetFunc(m.store, abi.ExportRun); i.run == nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportRun)
	}
	if i.onEvent = inst.GetFunc(m.store, abi.ExportOnEvent); i.onEvent == nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportOnEvent)
	}
	if i.allocate = inst.GetFunc(m.store, abi.ExportAllocate); i.allocate == nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportAllocate)
	}

	return i, nil
}

// Close runs a garbage collection pass on the module's store. The engine,
// store and compiled module themselves are released only via finalizer.
func (m *Module) Close(context.Context) error {
	if m.store != nil {
		m.store.GC()
	}
	return nil
}

// Instance is one live instantiation of a Module. Start and Deliver must
// never be invoked concurrently with each other: the registry enforces
// this with a single-slot mailbox, not this type.
type Instance struct {
	m *Module

	inst *wasmtime.Instance
	mem  *wasmtime.Memory

	run      *wasmtime.Func
	onEvent  *wasmtime.Func
	allocate *wasmtime.Func
}

// memory adapts *wasmtime.Memory, which needs the store on every access,
// to abi.Memory's store-free shape.
type memory struct {
	mem   *wasmtime.Memory
	store *wasmtime.Store
}

func (m memory) Read(offset, length uint32) ([]byte, bool) {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, false
	}
	return data[offset : offset+length], true
}

func (m memory) Write(offset uint32, b []byte) bool {
	data := m.mem.UnsafeData(m.store)
	if uint64(offset)+uint64(len(b)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], b)
	return true
}

func (m memory) Size() uint32 { return uint32(m.mem.DataSize(m.store)) }

var _ abi.Memory = memory{}

// abortFunc implements the legacy "env" "abort" import present in Wasm
// compiled from AssemblyScript when the guest didn't explicitly import
// wasi. A guest hitting it traps the call rather than continuing past an
// asserted invariant violation.
func (i *Instance) abortFunc() *wasmtime.Func {
	params := []*wasmtime.ValType{
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
		wasmtime.NewValType(wasmtime.KindI32),
	}
	return wasmtime.NewFunc(i.m.store, wasmtime.NewFuncType(params, nil),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			line, col := args[2].I32(), args[3].I32()
			return nil, wasmtime.NewTrap(fmt.Sprintf("guest called env.abort at %d:%d", line, col))
		})
}

// requestFunc implements http-proxy-abi.request's host side: decode the
// HttpRequest at [offset, offset+length) out of the calling instance's
// memory, enqueue it for the executor, and return the packed (id, kind)
// u64 with no blocking on the HTTP round trip itself. A malformed payload
// or out-of-bounds pointer traps the call; the host keeps running other
// controllers.
func (i *Instance) requestFunc(ctx context.Context) *wasmtime.Func {
	params := []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)}
	results := []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI64)}
	return wasmtime.NewFunc(i.m.store, wasmtime.NewFuncType(params, results),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			offset, length := uint32(args[0].I32()), uint32(args[1].I32())
			payload, err := abi.Read(i.memory(), offset, length)
			if err != nil {
				return nil, wasmtime.NewTrap(err.Error())
			}
			id, err := abi.HandleRequest(ctx, i.m.cfg, payload)
			if err != nil {
				return nil, wasmtime.NewTrap(err.Error())
			}
			return []wasmtime.Val{wasmtime.ValI64(int64(id))}, nil
		})
}

// watchFunc implements kube-watch-abi.watch's host side, mirroring
// requestFunc but for watch subscriptions.
func (i *Instance) watchFunc(ctx context.Context) *wasmtime.Func {
	params := []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI32), wasmtime.NewValType(wasmtime.KindI32)}
	results := []*wasmtime.ValType{wasmtime.NewValType(wasmtime.KindI64)}
	return wasmtime.NewFunc(i.m.store, wasmtime.NewFuncType(params, results),
		func(c *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
			offset, length := uint32(args[0].I32()), uint32(args[1].I32())
			payload, err := abi.Read(i.memory(), offset, length)
			if err != nil {
				return nil, wasmtime.NewTrap(err.Error())
			}
			id, err := abi.HandleWatch(ctx, i.m.cfg, payload)
			if err != nil {
				return nil, wasmtime.NewTrap(err.Error())
			}
			return []wasmtime.Val{wasmtime.ValI64(int64(id))}, nil
		})
}

func (i *Instance) memory() abi.Memory {
	return memory{mem: i.mem, store: i.m.store}
}

// Start invokes the guest's run() export, which must return promptly
// after registering its watches.
func (i *Instance) Start(ctx context.Context) error {
	_, err := i.run.Call(i.m.store)
	return err
}

// Deliver allocates len(payload) bytes inside the guest via its allocate
// export, copies payload in, and invokes on_event(id, ptr, len).
// Ownership of the written buffer transfers to the guest; the host never
// frees it.
func (i *Instance) Deliver(ctx context.Context, id uint64, payload []byte) error {
	alloc := func(ctx context.Context, size uint32) (uint32, error) {
		res, err := i.allocate.Call(i.m.store, int32(size))
		if err != nil {
			return 0, err
		}
		v, _ := res.(int32)
		return uint32(v), nil
	}

	ptr, err := abi.WriteBack(ctx, i.memory(), alloc, payload)
	if err != nil {
		return err
	}

	offset, length := abi.UnpackPointer(ptr)
	_, err = i.onEvent.Call(i.m.store, int64(id), int32(offset), int32(length))
	return err
}

// MemorySize reports the current linear memory size in bytes.
func (i *Instance) MemorySize(context.Context) uint32 {
	return uint32(i.mem.DataSize(i.m.store))
}

// Close tears down this instance. wasmtime-go types are otherwise only
// released via finalizer.
func (i *Instance) Close(context.Context) error {
	i.inst = nil
	i.mem = nil
	return nil
}

var (
	_ host.Engine   = engineImpl{}
	_ host.Module   = (*Module)(nil)
	_ host.Instance = (*Instance)(nil)
)
