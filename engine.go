// Package wapchost defines the engine-agnostic boundary between the
// controller host and a Wasm runtime. Every backend under engines/ (wazero,
// wasmtime, wasmer) compiles and instantiates guest modules under the
// rust-v1alpha1 ABI and satisfies Engine, Module and Instance below.
package wapchost

import (
	"context"

	"github.com/wapc/controller-host/abi"
)

type (
	// Logger is the function invoked for a guest's console log output.
	Logger func(msg string)

	// Engine compiles Wasm bytes into a Module for one controller.
	Engine interface {
		Name() string
		// New compiles code for the controller cfg.ControllerName. The ABI
		// imports described by cfg are linked here or at Instantiate,
		// depending on the backend. It does not instantiate.
		New(ctx context.Context, code []byte, cfg abi.Config) (Module, error)
	}

	// Module is a compiled, linked Wasm module, ready to be instantiated.
	// By contract exactly one Instance is created per Module in this host
	// (see registry.ControllerModule), though the interface does not enforce that.
	Module interface {
		SetLogger(Logger)
		SetWriter(Logger)
		Instantiate(ctx context.Context) (Instance, error)
		Close(ctx context.Context) error
	}

	// Instance is one live instantiation of a Module with its own linear
	// memory. Start and Deliver must never be called concurrently with each
	// other for the same Instance: on_event is never reentrant. The registry
	// enforces this with a single-slot mailbox.
	Instance interface {
		// Start invokes the guest's no-argument "run" export, which must
		// return promptly after registering watches.
		Start(ctx context.Context) error
		// Deliver allocates len(payload) bytes inside the guest via its
		// "allocate" export, copies payload in, and invokes
		// on_event(id, ptr, len).
		Deliver(ctx context.Context, id uint64, payload []byte) error
		// MemorySize reports the current linear memory size in bytes.
		MemorySize(ctx context.Context) uint32
		Close(ctx context.Context) error
	}
)

// Println writes msg to standard error, a newline appended. Suitable as a
// default Logger.
func Println(msg string) { println(msg) }

// Print writes msg to standard error. Suitable as a default Logger.
func Print(msg string) { print(msg) }
