package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/zap"

	roothost "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
)

// ErrGuestTrap reports a panic/trap surfaced while invoking a guest's run
// or on_event export. The instance is marked failed; other controllers
// keep running.
var ErrGuestTrap = errors.New("registry: guest trap")

// ControllerModule owns one compiled Module and its single running
// Instance. Calls into the instance (Start, Deliver) are serialized through
// a size-1 ring buffer: the buffer holds a token only while the instance is
// idle, so acquiring it is equivalent to taking an exclusive lock, scaled
// down from an N-instance pool to a single mailbox slot per controller so
// on_event is never invoked concurrently.
type ControllerModule struct {
	name string
	log  *zap.Logger

	mod  Module
	inst Instance

	mailbox *queue.RingBuffer
}

// Module and Instance alias the root host's engine-agnostic types so
// registry code reads naturally without a second import alias everywhere.
type (
	Module   = roothost.Module
	Instance = roothost.Instance
)

func newControllerModule(ctx context.Context, engine Engine, name string, code []byte, cfg abi.Config, log *zap.Logger) (*ControllerModule, error) {
	log = log.With(zap.String("controller", name))

	mod, err := engine.New(ctx, code, cfg)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	guestLog := log.Named("guest")
	mod.SetLogger(func(msg string) { guestLog.Info(msg) })
	mod.SetWriter(func(msg string) { guestLog.Info(msg, zap.String("stream", "stdout")) })

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		mod.Close(ctx)
		return nil, fmt.Errorf("instantiating module: %w", err)
	}

	rb := queue.NewRingBuffer(1)
	if ok, err := rb.Offer(inst); err != nil || !ok {
		inst.Close(ctx)
		mod.Close(ctx)
		return nil, fmt.Errorf("seeding mailbox: %w", err)
	}

	return &ControllerModule{
		name:    name,
		log:     log,
		mod:     mod,
		inst:    inst,
		mailbox: rb,
	}, nil
}

// start invokes the guest's run() export, which registers the module's
// watches and must return promptly.
func (cm *ControllerModule) start(ctx context.Context) error {
	return cm.withInstance(ctx, DeliveryTimeout, func(inst Instance) error {
		if err := inst.Start(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrGuestTrap, err)
		}
		return nil
	})
}

// deliver invokes the guest's on_event(id, payload) export under the
// mailbox lock.
func (cm *ControllerModule) deliver(ctx context.Context, id uint64, payload []byte) error {
	return cm.withInstance(ctx, DeliveryTimeout, func(inst Instance) error {
		if err := inst.Deliver(ctx, id, payload); err != nil {
			return fmt.Errorf("%w: %v", ErrGuestTrap, err)
		}
		return nil
	})
}

// withInstance acquires the mailbox token, runs fn against the instance,
// and always returns the token whether fn succeeded or not: a trapped
// guest remains usable for future deliveries, marked failed only for
// bookkeeping, not for further exclusion.
func (cm *ControllerModule) withInstance(ctx context.Context, timeout time.Duration, fn func(Instance) error) error {
	tok, err := cm.mailbox.Poll(timeout)
	if err != nil {
		return fmt.Errorf("acquiring mailbox for %s: %w", cm.name, err)
	}
	inst, ok := tok.(Instance)
	if !ok {
		return fmt.Errorf("mailbox for %s held a non-instance token", cm.name)
	}

	callErr := fn(inst)

	if _, offerErr := cm.mailbox.Offer(inst); offerErr != nil {
		cm.log.Error("failed to return instance to mailbox", zap.Error(offerErr))
	}
	return callErr
}

// Close tears down the instance and module.
func (cm *ControllerModule) Close(ctx context.Context) error {
	cm.mailbox.Dispose()
	if err := cm.inst.Close(ctx); err != nil {
		cm.log.Warn("closing instance", zap.Error(err))
	}
	return cm.mod.Close(ctx)
}
