//go:build (amd64 || arm64) && !windows && cgo

// Package wasmer implements the controller host's second cgo Wasm
// backend, on wasmerio/wasmer-go. Kept alongside engines/wasmtime so an
// operator can pick whichever cgo runtime's licensing or platform
// support fits their deployment; engines/wazero remains the pure-Go
// default.
package wasmer

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"

	host "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
)

type engineImpl struct{}

// Engine returns the wasmer backend.
func Engine() host.Engine { return engineImpl{} }

func (engineImpl) Name() string { return "wasmer" }

// New compiles code into a *wasmer.Module scoped to a fresh engine and
// store.
func (engineImpl) New(ctx context.Context, code []byte, cfg abi.Config) (host.Module, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("wasmer: compiling module: %w", err)
	}

	return &Module{
		engine: engine,
		store:  store,
		module: mod,
		cfg:    cfg,
	}, nil
}

// Module is a compiled wasmer module under the rust-v1alpha1 ABI.
// Exactly one Instance is created per Module by contract
// (registry.ControllerModule enforces this).
type Module struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	module *wasmer.Module
	cfg    abi.Config

	logger host.Logger
	writer host.Logger

	instanceCounter uint64
	closed          uint32
}

// SetLogger sets the callback for the guest's console/stderr output.
func (m *Module) SetLogger(l host.Logger) { m.logger = l }

// SetWriter sets the callback for the guest's WASI stdout (fd 1) writes.
func (m *Module) SetWriter(l host.Logger) { m.writer = l }

// Instantiate links the rust-v1alpha1 ABI host imports, a hand-rolled
// minimal WASI syscall surface, and an AssemblyScript env.abort shim,
// then instantiates the module and resolves the four required guest
// exports.
func (m *Module) Instantiate(ctx context.Context) (host.Instance, error) {
	atomic.AddUint64(&m.instanceCounter, 1)

	i := &Instance{m: m, ctx: ctx}

	importObject := wasmer.NewImportObject()
	importObject.Register("env", i.envRuntime())
	importObject.Register(abi.RequestModule, i.requestRuntime())
	importObject.Register(abi.WatchModule, i.watchRuntime())
	wasiRuntime := i.wasiRuntime()
	importObject.Register("wasi_unstable", wasiRuntime)
	importObject.Register("wasi_snapshot_preview1", wasiRuntime)
	importObject.Register("wasi", wasiRuntime)

	inst, err := wasmer.NewInstance(m.module, importObject)
	if err != nil {
		return nil, fmt.Errorf("wasmer: instantiating: %w", err)
	}
	i.inst = inst

	mem, err := inst.Exports.GetMemory(abi.ExportMemory)
	if err != nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportMemory)
	}
	i.mem = mem

	if i.run, err = inst.Exports.GetFunction(abi.ExportRun); err != nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportRun)
	}
	if i.onEvent, err = inst.Exports.GetFunction(abi.ExportOnEvent); err != nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportOnEvent)
	}
	if i.allocate, err = inst.Exports.GetFunction(abi.ExportAllocate); err != nil {
		return nil, fmt.Errorf("missing export %q", abi.ExportAllocate)
	}

	return i, nil
}

// Close releases the module's compiled form, store and engine.
func (m *Module) Close(context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return nil
	}
	if mod := m.module; mod != nil {
		mod.Close()
		m.module = nil
	}
	if store := m.store; store != nil {
		store.Close()
		m.store = nil
	}
	m.engine = nil
	return nil
}

// Instance is one live instantiation of a Module. Start and Deliver must
// never be invoked concurrently with each other: the registry enforces
// this with a single-slot mailbox, not this type.
type Instance struct {
	m   *Module
	ctx context.Context

	inst *wasmer.Instance
	mem  *wasmer.Memory

	run      func(...interface{}) (interface{}, error)
	onEvent  func(...interface{}) (interface{}, error)
	allocate func(...interface{}) (interface{}, error)

	abort *wasmer.Function

	request *wasmer.Function
	watch   *wasmer.Function

	// WASI functions. This repo's guests only ever produce log output
	// through fd_write(1); the rest are minimal stubs (see wasiRuntime).
	fdWrite          *wasmer.Function
	fdClose          *wasmer.Function
	fdFdstatGet      *wasmer.Function
	fdPrestatGet     *wasmer.Function
	fdPrestatDirName *wasmer.Function
	fdRead           *wasmer.Function
	fdSeek           *wasmer.Function
	pathOpen         *wasmer.Function
	procExit         *wasmer.Function
	argsSizesGet     *wasmer.Function
	argsGet          *wasmer.Function
	clockTimeGet     *wasmer.Function
	environSizesGet  *wasmer.Function
	environGet       *wasmer.Function

	closed uint32
}

// memory adapts *wasmer.Memory to abi.Memory.
type memory struct{ mem *wasmer.Memory }

func (m memory) Read(offset, length uint32) ([]byte, bool) {
	data := m.mem.Data()
	if uint64(offset)+uint64(length) > uint64(len(data)) {
		return nil, false
	}
	return data[offset : offset+length], true
}

func (m memory) Write(offset uint32, b []byte) bool {
	data := m.mem.Data()
	if uint64(offset)+uint64(len(b)) > uint64(len(data)) {
		return false
	}
	copy(data[offset:], b)
	return true
}

func (m memory) Size() uint32 { return uint32(m.mem.DataSize()) }

var _ abi.Memory = memory{}

func (i *Instance) memory() abi.Memory { return memory{mem: i.mem} }

// envRuntime implements the legacy "env" "abort" import present in Wasm
// compiled from AssemblyScript when the guest didn't explicitly import
// wasi.
func (i *Instance) envRuntime() map[string]wasmer.IntoExtern {
	i.abort = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return nil, fmt.Errorf("guest called env.abort at %d:%d", args[2].I32(), args[3].I32())
		},
	)
	return map[string]wasmer.IntoExtern{"abort": i.abort}
}

// requestRuntime implements http-proxy-abi.request's host side: decode
// the HttpRequest at [offset, offset+length) out of the calling
// instance's memory, enqueue it for the executor, and return the packed
// (id, kind) u64 with no blocking on the HTTP round trip itself. A
// malformed payload or out-of-bounds pointer fails the call; the host
// keeps running other controllers.
func (i *Instance) requestRuntime() map[string]wasmer.IntoExtern {
	i.request = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			offset, length := uint32(args[0].I32()), uint32(args[1].I32())
			payload, err := abi.Read(i.memory(), offset, length)
			if err != nil {
				return nil, err
			}
			id, err := abi.HandleRequest(i.ctx, i.m.cfg, payload)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI64(int64(id))}, nil
		},
	)
	return map[string]wasmer.IntoExtern{abi.RequestFunction: i.request}
}

// watchRuntime implements kube-watch-abi.watch's host side, mirroring
// requestRuntime but for watch subscriptions.
func (i *Instance) watchRuntime() map[string]wasmer.IntoExtern {
	i.watch = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I64)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			offset, length := uint32(args[0].I32()), uint32(args[1].I32())
			payload, err := abi.Read(i.memory(), offset, length)
			if err != nil {
				return nil, err
			}
			id, err := abi.HandleWatch(i.ctx, i.m.cfg, payload)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI64(int64(id))}, nil
		},
	)
	return map[string]wasmer.IntoExtern{abi.WatchFunction: i.watch}
}

// wasiRuntime provides a minimal POSIX-like syscall surface: enough for
// a tinygo-built guest to link, with fd_write(1) wired to the module's
// writer. args and environ report empty, clock_time_get reports the wall
// clock and proc_exit returns; the fd_* and path_open calls answer with
// an error code.
func (i *Instance) wasiRuntime() map[string]wasmer.IntoExtern {
	i.fdWrite = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			fd := args[0].I32()
			iovsPtr := args[1].I32()
			iovsLen := args[2].I32()
			writtenPtr := args[3].I32()

			if fd != 1 || i.m.writer == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}

			data := i.mem.Data()
			iov := data[iovsPtr:]
			var bytesWritten uint32
			for iovsLen > 0 {
				iovsLen--
				base := binary.LittleEndian.Uint32(iov)
				length := binary.LittleEndian.Uint32(iov[4:])
				i.m.writer(string(data[base : base+length]))
				iov = iov[8:]
				bytesWritten += length
			}
			binary.LittleEndian.PutUint32(data[writtenPtr:], bytesWritten)
			return []wasmer.Value{wasmer.NewI32(int32(bytesWritten))}, nil
		},
	)

	i.fdClose = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.fdPrestatGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.fdPrestatDirName = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.fdRead = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.fdSeek = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I64, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.pathOpen = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32,
			wasmer.I64, wasmer.I64, wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(28)}, nil },
	)

	i.procExit = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return nil, nil },
	)

	i.fdFdstatGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(8)}, nil },
	)

	i.argsSizesGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data := i.mem.Data()
			binary.LittleEndian.PutUint32(data[args[0].I32():], 0)
			binary.LittleEndian.PutUint32(data[args[1].I32():], 0)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	i.argsGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil },
	)

	i.environSizesGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil },
	)

	i.environGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil },
	)

	i.clockTimeGet = wasmer.NewFunction(
		i.m.store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32, wasmer.I64, wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			data := i.mem.Data()
			binary.LittleEndian.PutUint64(data[args[2].I32():], uint64(time.Now().UnixNano()))
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	return map[string]wasmer.IntoExtern{
		"fd_write":            i.fdWrite,
		"fd_close":            i.fdClose,
		"fd_fdstat_get":       i.fdFdstatGet,
		"fd_prestat_get":      i.fdPrestatGet,
		"fd_prestat_dir_name": i.fdPrestatDirName,
		"fd_read":             i.fdRead,
		"fd_seek":             i.fdSeek,
		"path_open":           i.pathOpen,
		"proc_exit":           i.procExit,
		"args_sizes_get":      i.argsSizesGet,
		"args_get":            i.argsGet,
		"environ_sizes_get":   i.environSizesGet,
		"environ_get":         i.environGet,
		"clock_time_get":      i.clockTimeGet,
	}
}

// Start invokes the guest's run() export, which must return promptly
// after registering its watches.
func (i *Instance) Start(ctx context.Context) error {
	_, err := i.run()
	return err
}

// Deliver allocates len(payload) bytes inside the guest via its allocate
// export, copies payload in, and invokes on_event(id, ptr, len).
// Ownership of the written buffer transfers to the guest; the host never
// frees it.
func (i *Instance) Deliver(ctx context.Context, id uint64, payload []byte) error {
	alloc := func(ctx context.Context, size uint32) (uint32, error) {
		res, err := i.allocate(int32(size))
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
	_, err = i.onEvent(int64(id), int32(offset), int32(length))
	return err
}

// MemorySize reports the current linear memory size in bytes.
func (i *Instance) MemorySize(context.Context) uint32 {
	return uint32(i.mem.DataSize())
}

// Close tears down this instance.
func (i *Instance) Close(context.Context) error {
	if !atomic.CompareAndSwapUint32(&i.closed, 0, 1) {
		return nil
	}
	i.mem = nil
	if inst := i.inst; inst != nil {
		inst.Close()
	}
	return nil
}

var (
	_ host.Engine   = engineImpl{}
	_ host.Module   = (*Module)(nil)
	_ host.Instance = (*Instance)(nil)
)
