package wazero

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/wapc/controller-host/abi"
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubewatch"
)

// emptyModule is the minimal valid Wasm binary: just the magic number and
// version, no sections at all. It compiles but exports nothing, so it is
// useful for exercising New/Instantiate's missing-export failure paths
// without needing a real guest.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func testConfig(t *testing.T) abi.Config {
	t.Helper()
	return abi.Config{
		ControllerName: "demo",
		ClusterURL:     "https://example.invalid",
		Requests:       make(chan httpexec.Command, 1),
		Watches:        make(chan kubewatch.Subscribe, 1),
		RequestIDs:     &abi.IDGenerator{},
		WatchIDs:       &abi.IDGenerator{},
	}
}

func TestEngineName(t *testing.T) {
	if got := Engine().Name(); got != "wazero" {
		t.Fatalf("Name() = %q, want wazero", got)
	}
}

func TestNewCompilesEmptyModule(t *testing.T) {
	ctx := context.Background()
	mod, err := Engine().New(ctx, emptyModule, testConfig(t))
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	defer mod.Close(ctx)
}

func TestInstantiateFailsWithoutRequiredExports(t *testing.T) {
	ctx := context.Background()
	mod, err := Engine().New(ctx, emptyModule, testConfig(t))
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	defer mod.Close(ctx)

	if _, err := mod.Instantiate(ctx); err == nil {
		t.Fatal("Instantiate() err = nil, want a missing-export error")
	}
}

func TestNewRejectsBadBytes(t *testing.T) {
	ctx := context.Background()
	if _, err := Engine().New(ctx, []byte("not wasm"), testConfig(t)); err == nil {
		t.Fatal("New() err = nil, want a compile error for non-Wasm bytes")
	}
}

// TestGuestRoundTrip exercises a real compiled guest implementing the
// rust-v1alpha1 ABI's required exports end to end: run() registers a
// watch, the host delivers an event via allocate+on_event, and the guest
// echoes it back through http-proxy-abi.request so the test can observe
// delivery. It is skipped unless the tinygo-built fixture has been
// produced (see testdata/go's build step); the engine's missing-export and
// compile-error paths above do not depend on it.
func TestGuestRoundTrip(t *testing.T) {
	const fixture = "../../testdata/go/controller.wasm"
	code, err := os.ReadFile(fixture)
	if errors.Is(err, os.ErrNotExist) {
		t.Skipf("skipping: %s not built (run `go generate ./testdata/go` with tinygo on PATH)", fixture)
	} else if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	ctx := context.Background()
	cfg := testConfig(t)
	requests := make(chan httpexec.Command, 1)
	watches := make(chan kubewatch.Subscribe, 1)
	cfg.Requests, cfg.Watches = requests, watches
	mod, err := Engine().New(ctx, code, cfg)
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	defer mod.Close(ctx)

	mod.SetLogger(func(string) {})
	mod.SetWriter(func(string) {})

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		t.Fatalf("Instantiate() err = %v", err)
	}
	defer inst.Close(ctx)

	if err := inst.Start(ctx); err != nil {
		t.Fatalf("Start() err = %v", err)
	}

	select {
	case sub := <-watches:
		if sub.ControllerName != "demo" {
			t.Fatalf("Subscribe.ControllerName = %q, want demo", sub.ControllerName)
		}
	default:
		t.Fatal("expected the sample guest's run() to register a watch")
	}

	if err := inst.Deliver(ctx, 1, []byte("event-payload")); err != nil {
		t.Fatalf("Deliver() err = %v", err)
	}

	select {
	case cmd := <-requests:
		if string(cmd.Request.Body) != "event-payload" {
			t.Fatalf("echoed request body = %q, want event-payload", cmd.Request.Body)
		}
	default:
		t.Fatal("expected the sample guest's on_event to echo the event through request()")
	}
}
