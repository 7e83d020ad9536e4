package httpexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi/wire"
)

type recordingDeliverer struct {
	mu  sync.Mutex
	got []Result
	ch  chan struct{}
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{ch: make(chan struct{}, 16)}
}

func (d *recordingDeliverer) DeliverHTTPResult(ctx context.Context, res Result) {
	d.mu.Lock()
	d.got = append(d.got, res)
	d.mu.Unlock()
	d.ch <- struct{}{}
}

func (d *recordingDeliverer) wait(t *testing.T) Result {
	t.Helper()
	select {
	case <-d.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.got[len(d.got)-1]
}

func TestExecutorRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/namespaces/default/pods" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"kind":"PodList"}`))
	}))
	defer srv.Close()

	out := newRecordingDeliverer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := NewExecutor(ctx, srv.URL, nil, out, zap.NewNop())
	exec.Submit(Command{
		ControllerName: "demo",
		RequestID:      1,
		Request: wire.HttpRequest{
			Method: http.MethodGet,
			URI:    "/api/v1/namespaces/default/pods",
		},
	})

	res := out.wait(t)
	if res.ControllerName != "demo" || res.RequestID != 1 {
		t.Fatalf("unexpected result identity: %+v", res)
	}
	if res.Response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.Response.StatusCode)
	}
	if string(res.Response.Body) != `{"kind":"PodList"}` {
		t.Fatalf("body = %q", res.Response.Body)
	}
}

func TestExecutorTransportFailureYieldsErrorEnvelope(t *testing.T) {
	out := newRecordingDeliverer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := NewExecutor(ctx, "http://127.0.0.1:1", nil, out, zap.NewNop())
	exec.Submit(Command{
		ControllerName: "demo",
		RequestID:      2,
		Request:        wire.HttpRequest{Method: http.MethodGet, URI: "/unreachable"},
	})

	res := out.wait(t)
	if res.Response.StatusCode != 502 {
		t.Fatalf("status = %d, want 502", res.Response.StatusCode)
	}
	env, err := wire.DecodeErrorEnvelope(res.Response.Body)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Reason != "HttpTransport" {
		t.Fatalf("reason = %q, want HttpTransport", env.Reason)
	}
}
