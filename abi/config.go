package abi

import (
	"github.com/wapc/controller-host/httpexec"
	"github.com/wapc/controller-host/kubewatch"
)

// Version names the guest ABI every engine backend links against. A guest
// is pinned to exactly one ABI version at load time (the host does not
// translate between versions inside a running module); the two reserved
// Wasm import module names below belong to this version and would change
// under a future one, allowing several versions to coexist in one process.
const Version = "rust-v1alpha1"

// RequestModule/RequestFunction and WatchModule/WatchFunction name the two
// ABI host imports every engine backend binds: "http-proxy-abi.request"
// and "kube-watch-abi.watch" (Wasm module.function).
const (
	RequestModule   = "http-proxy-abi"
	RequestFunction = "request"
	WatchModule     = "kube-watch-abi"
	WatchFunction   = "watch"
)

// Required guest exports every engine backend resolves at instantiation.
const (
	ExportMemory   = "memory"
	ExportAllocate = "allocate"
	ExportRun      = "run"
	ExportOnEvent  = "on_event"
)

// AsyncKind re-exports httpexec.AsyncKind so callers outside httpexec don't
// need a second import alias for the request-kind tag.
type AsyncKind = httpexec.AsyncKind

// KindFuture re-exports httpexec.KindFuture.
const KindFuture = httpexec.KindFuture

// Config bundles everything a controller's host-call handlers need to turn
// decoded guest requests into outbound work, without the abi package
// importing the registry or dispatch packages that would create a cycle.
type Config struct {
	ControllerName string
	ClusterURL     string

	Requests chan<- httpexec.Command
	Watches  chan<- kubewatch.Subscribe

	RequestIDs *IDGenerator
	WatchIDs   *IDGenerator
}
