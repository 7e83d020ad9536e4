package httpexec

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/wapc/controller-host/abi/wire"
	"github.com/wapc/controller-host/urlutil"
)

// DefaultConcurrency is the number of worker goroutines draining the
// executor's command queue.
const DefaultConcurrency = 10

// Deliverer hands a completed Result to the dispatcher for eventual
// on_event delivery. Implemented by the supervisor's resultAdapter, which
// forwards onto the dispatcher's result channel.
type Deliverer interface {
	DeliverHTTPResult(ctx context.Context, res Result)
}

// Executor runs Commands against a Kubernetes API server reachable at
// BaseURL, using a single shared *http.Client so every controller draws
// from one connection pool.
type Executor struct {
	BaseURL string
	Client  *http.Client
	Log     *zap.Logger

	commands chan Command
	out      Deliverer
}

// NewExecutor builds an Executor backed by an HTTP client using rt (from
// kubeconfig.RoundTripper) for TLS and auth, and starts DefaultConcurrency
// worker goroutines reading off its queue.
func NewExecutor(ctx context.Context, baseURL string, rt http.RoundTripper, out Deliverer, log *zap.Logger) *Executor {
	e := &Executor{
		BaseURL: baseURL,
		Client: &http.Client{
			Transport: rt,
			Timeout:   0, // per-request deadlines come from ctx
		},
		Log:      log,
		commands: make(chan Command, 256),
		out:      out,
	}
	for i := 0; i < DefaultConcurrency; i++ {
		go e.worker(ctx)
	}
	return e
}

// Submit enqueues cmd for execution. It never blocks the caller on network
// I/O; the actual request happens on a worker goroutine.
func (e *Executor) Submit(cmd Command) {
	e.commands <- cmd
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-e.commands:
			if !ok {
				return
			}
			e.run(ctx, cmd)
		}
	}
}

func (e *Executor) run(ctx context.Context, cmd Command) {
	resp := e.execute(ctx, cmd.Request)
	e.out.DeliverHTTPResult(ctx, Result{
		ControllerName: cmd.ControllerName,
		RequestID:      cmd.RequestID,
		Kind:           cmd.Kind,
		Response:       resp,
	})
}

// execute performs the actual HTTP round trip. Transport-level failures
// (DNS, connect, TLS) never propagate as Go errors across the ABI boundary;
// They are surfaced as a synthetic HttpResponse carrying an encoded
// ErrorEnvelope body, so the guest always gets a response value.
func (e *Executor) execute(ctx context.Context, req wire.HttpRequest) wire.HttpResponse {
	url := urlutil.ComposeURL(e.BaseURL, req.URI)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return transportError(err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.Client.Do(httpReq)
	if err != nil {
		e.Log.Warn("http request failed", zap.String("uri", req.URI), zap.Error(err))
		return transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		e.Log.Warn("reading response body failed", zap.String("uri", req.URI), zap.Error(err))
		return transportError(err)
	}

	return wire.HttpResponse{
		StatusCode: uint16(resp.StatusCode),
		Headers:    resp.Header,
		Body:       respBody,
	}
}

func transportError(err error) wire.HttpResponse {
	env := wire.ErrorEnvelope{
		Status:  "Failure",
		Message: err.Error(),
		Reason:  "HttpTransport",
		Code:    502,
	}
	return wire.HttpResponse{
		StatusCode: 502,
		Headers:    map[string][]string{"Content-Type": {"application/octet-stream"}},
		Body:       wire.EncodeErrorEnvelope(env),
	}
}
