package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	wapchost "github.com/wapc/controller-host"
	"github.com/wapc/controller-host/abi"
	"github.com/wapc/controller-host/abi/wire"
	"github.com/wapc/controller-host/dispatch"
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubewatch"
	"github.com/wapc/controller-host/registry"
)

type fakeInstance struct {
	started  chan struct{}
	delivers chan uint64
}

func (i *fakeInstance) Start(ctx context.Context) error {
	close(i.started)
	return nil
}

func (i *fakeInstance) Deliver(ctx context.Context, id uint64, payload []byte) error {
	i.delivers <- id
	return nil
}

func (i *fakeInstance) MemorySize(ctx context.Context) uint32 { return 0 }
func (i *fakeInstance) Close(ctx context.Context) error       { return nil }

type fakeModule struct {
	inst *fakeInstance
}

func (m *fakeModule) SetLogger(wapchost.Logger) {}
func (m *fakeModule) SetWriter(wapchost.Logger) {}
func (m *fakeModule) Close(ctx context.Context) error { return nil }
func (m *fakeModule) Instantiate(ctx context.Context) (wapchost.Instance, error) {
	return m.inst, nil
}

type fakeEngine struct {
	mod *fakeModule
}

func (e *fakeEngine) Name() string { return "fake" }
func (e *fakeEngine) New(ctx context.Context, code []byte, cfg abi.Config) (wapchost.Module, error) {
	return e.mod, nil
}

// newBareSupervisor builds a Supervisor with just the fields LoadModules
// and Run touch, skipping New's kubeconfig/round-tripper wiring so the
// test never needs a real or fake cluster.
func newBareSupervisor() *Supervisor {
	requests := make(chan httpexec.Command, ChannelCapacity)
	results := make(chan httpexec.Result, ChannelCapacity)
	watches := make(chan kubewatch.Subscribe, ChannelCapacity)
	events := make(chan kubewatch.Event, ChannelCapacity)

	log := zap.NewNop()
	reg := registry.New(log)
	return &Supervisor{
		log:        log,
		registry:   reg,
		dispatcher: dispatch.New(reg, results, events, log),
		requests:   requests,
		results:    results,
		watches:    watches,
		events:     events,
	}
}

func TestLoadModulesStartsInstance(t *testing.T) {
	inst := &fakeInstance{started: make(chan struct{}), delivers: make(chan uint64, 1)}
	mod := &fakeModule{inst: inst}
	engine := &fakeEngine{mod: mod}

	s := newBareSupervisor()

	ctx := context.Background()
	if err := s.LoadModules(ctx, []ModuleSpec{{Name: "demo", Code: []byte("x"), Engine: engine}}); err != nil {
		t.Fatalf("LoadModules: %v", err)
	}

	select {
	case <-inst.started:
	case <-time.After(time.Second):
		t.Fatal("instance Start was never called")
	}

	if names := s.registry.Names(); len(names) != 1 || names[0] != "demo" {
		t.Fatalf("registry.Names() = %v, want [demo]", names)
	}
}

func TestDrainRequestsForwardsToExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	s := newBareSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.executor = httpexec.NewExecutor(ctx, srv.URL, nil, resultAdapter{s.results}, zap.NewNop())
	go s.drainRequests(ctx)

	s.requests <- httpexec.Command{
		ControllerName: "demo",
		RequestID:      1,
		Request:        wire.HttpRequest{Method: http.MethodGet, URI: "/api/v1/pods"},
	}

	select {
	case res := <-s.results:
		if res.ControllerName != "demo" || res.RequestID != 1 {
			t.Fatalf("unexpected result identity: %+v", res)
		}
		if res.Response.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", res.Response.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result arrived: guest request was never forwarded to the executor")
	}
}

func TestRunReturnsNilOnContextCancel(t *testing.T) {
	s := newBareSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on context cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
