// Package kubewatch coalesces guest watch subscriptions by key, owns
// exactly one upstream long-poll connection per distinct key, and fans
// events out to every current subscriber.
package kubewatch

import (
	"encoding/json"

	"github.com/wapc/controller-host/abi/wire"
)

// Key identifies semantically equivalent watches: two subscriptions with
// equal Keys share one upstream connection.
type Key struct {
	Resource        wire.ResourceRef
	ListParams      wire.ListParams
	ResourceVersion string
}

// Subscribe is enqueued by a controller's kube-watch-abi.watch call.
type Subscribe struct {
	ControllerName string
	WatchID        uint32
	Key            Key
}

// Event is one item fanned out to a subscriber, ready for delivery via
// on_event(watch_id, event_bytes).
type Event struct {
	ControllerName string
	WatchID        uint32
	Payload        []byte // wire.EncodeWatchEvent output
}

// rawEvent is the Kubernetes watch-stream wire shape: {"type": ..., "object": ...}
type rawEvent struct {
	Type   string          `json:"type"`
	Object json.RawMessage `json:"object"`
}

// metaObject extracts the fields needed to track resourceVersion without
// fully typing every Kubernetes kind.
type metaObject struct {
	Metadata struct {
		ResourceVersion string `json:"resourceVersion"`
	} `json:"metadata"`
}

// statusObject is the shape of a watch-stream error object (a Kubernetes
// Status with a 410 Gone code).
type statusObject struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Code    int    `json:"code"`
}
