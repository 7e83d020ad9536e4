// Package supervisor boots the controller host: it loads cluster
// connection details, wires the HTTP executor, watch multiplexer and
// dispatcher together with bounded channels, compiles and starts every
// configured controller module, and then blocks until one of the core
// background tasks exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi"
	"github.com/wapc/controller-host/dispatch"
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubeconfig"
	"github.com/wapc/controller-host/kubewatch"
	"github.com/wapc/controller-host/registry"
)

// ChannelCapacity bounds every inter-component channel: the outbound HTTP
// command queue, the async result queue and the watch event queue. A full
// channel applies back-pressure to its producer rather than growing
// without bound.
const ChannelCapacity = 256

// ModuleSpec names one controller to load: a unique Name, the compiled Wasm
// bytes, and the Engine backend to instantiate it under.
type ModuleSpec struct {
	Name   string
	Code   []byte
	Engine registry.Engine
}

// Supervisor owns every long-lived component of a running host: the
// executor, multiplexer, dispatcher and registry, plus the channels that
// connect them.
type Supervisor struct {
	log     *zap.Logger
	baseURL string

	registry    *registry.Registry
	executor    *httpexec.Executor
	multiplexer *kubewatch.Multiplexer
	dispatcher  *dispatch.Dispatcher

	requests chan httpexec.Command
	results  chan httpexec.Result
	watches  chan kubewatch.Subscribe
	events   chan kubewatch.Event
}

// resultAdapter satisfies httpexec.Deliverer by forwarding onto a channel,
// so the executor never needs to know about the dispatcher directly.
type resultAdapter struct {
	results chan<- httpexec.Result
}

func (a resultAdapter) DeliverHTTPResult(ctx context.Context, res httpexec.Result) {
	select {
	case a.results <- res:
	case <-ctx.Done():
	}
}

// New assembles a Supervisor: it loads cluster config (in-cluster, falling
// back to kubeconfigPath), builds the shared round tripper, and starts the
// executor, multiplexer and dispatcher against fresh bounded channels. No
// controller modules are loaded yet; call LoadModules for that.
func New(ctx context.Context, kubeconfigPath string, log *zap.Logger) (*Supervisor, error) {
	cfg, err := kubeconfig.Load(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: loading cluster config: %w", err)
	}
	rt, err := kubeconfig.RoundTripper(cfg)
	if err != nil {
		return nil, fmt.Errorf("supervisor: building round tripper: %w", err)
	}
	baseURL := kubeconfig.BaseURL(cfg)

	s := &Supervisor{
		log:      log,
		baseURL:  baseURL,
		registry: registry.New(log),
		requests: make(chan httpexec.Command, ChannelCapacity),
		results:  make(chan httpexec.Result, ChannelCapacity),
		watches:  make(chan kubewatch.Subscribe, ChannelCapacity),
		events:   make(chan kubewatch.Event, ChannelCapacity),
	}

	s.executor = httpexec.NewExecutor(ctx, baseURL, rt, resultAdapter{s.results}, log.Named("executor"))
	s.multiplexer = kubewatch.NewMultiplexer(baseURL, rt, s.events, log.Named("multiplexer"))
	s.dispatcher = dispatch.New(s.registry, s.results, s.events, log.Named("dispatch"))

	go s.drainRequests(ctx)
	go s.drainWatches(ctx)

	return s, nil
}

// drainRequests forwards every Command a guest's request call enqueues to
// the executor's worker pool. Submit never blocks on network I/O, so the
// forwarder keeps up with producers unless the executor's own queue is
// full, at which point back-pressure propagates to the guests' host calls.
func (s *Supervisor) drainRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.requests:
			if !ok {
				return
			}
			s.executor.Submit(cmd)
		}
	}
}

// drainWatches forwards every Subscribe a guest's watch call enqueues to
// the multiplexer, which owns the dedup/fanout logic.
func (s *Supervisor) drainWatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-s.watches:
			if !ok {
				return
			}
			s.multiplexer.Subscribe(ctx, sub)
		}
	}
}

// LoadModules compiles and starts each spec in order, registering it with
// the supervisor's registry. A failure loading any module is fatal: the
// caller should abort startup and tear down whatever already loaded.
func (s *Supervisor) LoadModules(ctx context.Context, specs []ModuleSpec) error {
	for _, spec := range specs {
		cfg := abi.Config{
			ControllerName: spec.Name,
			ClusterURL:     s.baseURL,
			Requests:       s.requests,
			Watches:        s.watches,
			RequestIDs:     &abi.IDGenerator{},
			WatchIDs:       &abi.IDGenerator{},
		}
		if _, err := s.registry.LoadAndStart(ctx, spec.Engine, spec.Name, spec.Code, cfg); err != nil {
			return fmt.Errorf("supervisor: loading %s: %w", spec.Name, err)
		}
		s.log.Info("controller started", zap.String("controller", spec.Name))
	}
	return nil
}

// Run blocks until ctx is canceled or one of the dispatcher's input
// channels closes unexpectedly, then tears down every registered module
// and returns the error that ended the run. A context cancellation is
// reported as nil: it is the expected shutdown path.
func (s *Supervisor) Run(ctx context.Context) error {
	err := s.dispatcher.Run(ctx)

	var shutdownErr error
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		shutdownErr = err
	}

	s.shutdown(ctx)
	return shutdownErr
}

func (s *Supervisor) shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	names := s.registry.Names()
	wg.Add(len(names))
	for _, name := range names {
		name := name
		go func() {
			defer wg.Done()
			if s.multiplexer != nil {
				s.multiplexer.RemoveController(name)
			}
			s.registry.Remove(ctx, name)
		}()
	}
	wg.Wait()
}
