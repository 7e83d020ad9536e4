package abi

import (
	"context"

	"github.com/wapc/controller-host/abi/wire"
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubewatch"
)

// HandleRequest implements http-proxy-abi.request's host side: it decodes
// the guest's HttpRequest, mints a request id, and enqueues the call for
// the executor without blocking on the HTTP round trip. The returned u64
// packs the id in the upper 32 bits and the AsyncKind tag in the lower 32.
// The guest receives no pointer here, only the correlation id; the
// HttpResponse bytes are written to guest memory later by the dispatcher
// when on_event fires.
func HandleRequest(ctx context.Context, cfg Config, payload []byte) (uint64, error) {
	req, err := wire.DecodeHttpRequest(payload)
	if err != nil {
		return 0, err
	}

	id := cfg.RequestIDs.Next()
	cmd := httpexec.Command{
		ControllerName: cfg.ControllerName,
		RequestID:      id,
		Kind:           KindFuture,
		Request:        req,
	}

	select {
	case cfg.Requests <- cmd:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return uint64(id)<<32 | uint64(KindFuture), nil
}

// HandleWatch implements kube-watch-abi.watch's host side: it decodes the
// guest's WatchRequest, mints a watch id, forms the watch_key and enqueues
// a Subscribe for the watch multiplexer. The bare watch id is returned;
// there is no kind tag to pack since a watch id is never anything else.
func HandleWatch(ctx context.Context, cfg Config, payload []byte) (uint64, error) {
	req, err := wire.DecodeWatchRequest(payload)
	if err != nil {
		return 0, err
	}

	id := cfg.WatchIDs.Next()
	sub := kubewatch.Subscribe{
		ControllerName: cfg.ControllerName,
		WatchID:        id,
		Key: kubewatch.Key{
			Resource:        req.Resource,
			ListParams:      req.ListParams,
			ResourceVersion: req.ResourceVersion,
		},
	}

	select {
	case cfg.Watches <- sub:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	return uint64(id), nil
}
