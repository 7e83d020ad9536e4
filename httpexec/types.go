// Package httpexec turns guest-issued HttpRequest values into real
// requests against the Kubernetes API server and reports results back
// asynchronously.
package httpexec

import "github.com/wapc/controller-host/abi/wire"

// AsyncKind tags what an async_request_id refers to, packed into the
// lower 32 bits of request()'s return value alongside the id.
type AsyncKind uint32

// KindFuture is the only request kind the host currently issues: a
// one-shot HTTP call whose result arrives via on_event.
const KindFuture AsyncKind = 0

// Command is one outstanding HTTP request, queued by a controller's
// http-proxy-abi.request call and consumed by an Executor worker.
type Command struct {
	ControllerName string
	RequestID      uint32
	Kind           AsyncKind
	Request        wire.HttpRequest
}

// Result pairs a completed (or failed) Command with its encoded response,
// ready for delivery to the owning controller's on_event export.
type Result struct {
	ControllerName string
	RequestID      uint32
	Kind           AsyncKind
	Response       wire.HttpResponse
}
