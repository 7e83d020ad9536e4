// Package registry compiles and instantiates guest Wasm modules, starts
// them, and serializes delivery of on_event calls into each running
// instance.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	roothost "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
)

// ErrLoadError reports a guest module missing a required export or import
// at compile/instantiate time. It is fatal at startup only.
var ErrLoadError = errors.New("registry: module failed to load")

// ErrUnknownController reports a controller name with no registered
// module. This is fatal: it indicates an id was minted for a controller
// the registry never held.
var ErrUnknownController = errors.New("registry: unknown controller")

// ErrControllerRemoved reports a controller name that was registered at
// some point but has since been torn down (Remove). Unlike
// ErrUnknownController this is not a programming error: it is the expected
// shape of a result/event racing a controller's teardown, and callers
// should drop the delivery silently rather than treat it as fatal.
var ErrControllerRemoved = errors.New("registry: controller removed")

// DeliveryTimeout bounds how long Deliver waits to acquire a controller's
// mailbox slot before giving up. A healthy instance always returns it
// promptly; exceeding this indicates a stuck guest.
const DeliveryTimeout = 30 * time.Second

// Engine is the subset of the host's engine abstraction the registry needs
// to load a module's bytecode under one ABI backend.
type Engine = roothost.Engine

// Registry owns every compiled and started ControllerModule, keyed by
// controller name.
type Registry struct {
	log *zap.Logger

	mu      sync.RWMutex
	modules map[string]*ControllerModule
	failed  map[string]bool
	removed map[string]bool
}

// New constructs an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		modules: make(map[string]*ControllerModule),
		failed:  make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// LoadAndStart compiles code under engine, registers it as name, and runs
// its startup sequence (instantiate, then run()). A failure at any step is
// ErrLoadError and is fatal.
func (r *Registry) LoadAndStart(ctx context.Context, engine Engine, name string, code []byte, cfg abi.Config) (*ControllerModule, error) {
	cm, err := newControllerModule(ctx, engine, name, code, cfg, r.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadError, name, err)
	}
	if err := cm.start(ctx); err != nil {
		cm.Close(ctx)
		return nil, fmt.Errorf("%w: %s: start: %v", ErrLoadError, name, err)
	}

	r.mu.Lock()
	r.modules[name] = cm
	r.mu.Unlock()
	return cm, nil
}

// Lookup returns the ControllerModule registered as name. If name was
// registered at some point and has since been torn down, it returns
// ErrControllerRemoved rather than ErrUnknownController: the caller (the
// dispatcher) treats those two differently, since a removed controller
// racing an in-flight result is expected, not a programming error.
func (r *Registry) Lookup(name string) (*ControllerModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cm, ok := r.modules[name]
	if !ok {
		if r.removed[name] {
			return nil, fmt.Errorf("%w: %s", ErrControllerRemoved, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownController, name)
	}
	return cm, nil
}

// MarkFailed records that a guest trap occurred in name's instance. The
// supervisor's default policy is to keep other modules running; this
// bookkeeping lets it report which modules are degraded.
func (r *Registry) MarkFailed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[name] = true
}

// Failed reports whether name has previously trapped.
func (r *Registry) Failed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed[name]
}

// Remove tears down and unregisters name, e.g. on shutdown or when a
// single controller is dropped. name is tombstoned so that a later
// Lookup/Deliver for an async result or watch event already in flight
// returns ErrControllerRemoved instead of ErrUnknownController.
func (r *Registry) Remove(ctx context.Context, name string) {
	r.mu.Lock()
	cm, ok := r.modules[name]
	delete(r.modules, name)
	delete(r.failed, name)
	r.removed[name] = true
	r.mu.Unlock()

	if ok {
		cm.Close(ctx)
	}
}

// Names returns every currently registered controller name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	return names
}

// Deliver invokes controller name's on_event(id, payload) under the
// controller's single-slot mailbox, guaranteeing delivery is never
// concurrent or reordered with respect to other calls against the same
// instance: on_event invocations per controller are totally ordered and
// never reentrant.
func (r *Registry) Deliver(ctx context.Context, name string, id uint64, payload []byte) error {
	cm, err := r.Lookup(name)
	if err != nil {
		return err
	}
	return cm.deliver(ctx, id, payload)
}
