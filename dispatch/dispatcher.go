// Package dispatch implements the async dispatcher (C5): it owns the
// single consumer end of the executor's result channel and the watch
// multiplexer's event channel, and wakes the right guest instance for
// each one.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi/wire"
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubewatch"
	"github.com/wapc/controller-host/registry"
)

// ErrChannelClosed reports one of the dispatcher's input channels closing
// while the host is still running. It is always fatal and triggers
// supervisor shutdown.
var ErrChannelClosed = errors.New("dispatch: input channel closed")

// Registry is the subset of *registry.Registry the dispatcher needs.
type Registry interface {
	Deliver(ctx context.Context, name string, id uint64, payload []byte) error
	MarkFailed(name string)
}

// Dispatcher serializes delivery of HTTP results and watch events into
// guest instances via the registry's on_event boundary.
type Dispatcher struct {
	registry Registry
	results  <-chan httpexec.Result
	events   <-chan kubewatch.Event
	log      *zap.Logger
}

// New constructs a Dispatcher reading from results and events and
// delivering through reg.
func New(reg Registry, results <-chan httpexec.Result, events <-chan kubewatch.Event, log *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: reg, results: results, events: events, log: log}
}

// Run drives the dispatcher's serial delivery loop until ctx is canceled or
// one of its input channels closes. A closed channel is reported as
// ErrChannelClosed; a guest trap is logged and the module marked failed but
// the loop continues for other controllers. A lookup miss is split two
// ways: a controller the registry once held and has since torn down means
// a result or event raced the teardown, and the delivery is dropped
// silently; a controller the registry never held means an id was minted
// for a nonexistent controller, a programming error returned as a fatal
// error.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res, ok := <-d.results:
			if !ok {
				return fmt.Errorf("%w: http results", ErrChannelClosed)
			}
			if err := d.deliverResult(ctx, res); err != nil {
				return err
			}

		case ev, ok := <-d.events:
			if !ok {
				return fmt.Errorf("%w: watch events", ErrChannelClosed)
			}
			if err := d.deliverEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// deliverResult wakes the guest with the same packed u64 (request id in the
// upper 32 bits, AsyncKind in the lower 32) that request() returned to it,
// so the guest's own bookkeeping key matches.
func (d *Dispatcher) deliverResult(ctx context.Context, res httpexec.Result) error {
	payload := wire.EncodeHttpResponse(res.Response)
	id := uint64(res.RequestID)<<32 | uint64(res.Kind)
	return d.deliver(ctx, res.ControllerName, id, payload)
}

// deliverEvent wakes the guest with the bare watch id watch() returned: a
// watch id carries no kind tag to pack.
func (d *Dispatcher) deliverEvent(ctx context.Context, ev kubewatch.Event) error {
	return d.deliver(ctx, ev.ControllerName, uint64(ev.WatchID), ev.Payload)
}

func (d *Dispatcher) deliver(ctx context.Context, controller string, id uint64, payload []byte) error {
	err := d.registry.Deliver(ctx, controller, id, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, registry.ErrControllerRemoved) {
		// The controller was torn down while this result/event was in
		// flight. Drop it silently: no panic, no delivery elsewhere.
		d.log.Debug("dropping delivery for removed controller", zap.String("controller", controller))
		return nil
	}
	if errors.Is(err, registry.ErrUnknownController) {
		return err
	}
	if errors.Is(err, registry.ErrGuestTrap) {
		d.registry.MarkFailed(controller)
		d.log.Error("guest trap delivering event", zap.String("controller", controller), zap.Error(err))
		return nil
	}
	d.log.Error("delivery failed", zap.String("controller", controller), zap.Error(err))
	return nil
}
