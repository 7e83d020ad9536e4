// Command main is a minimal sample controller guest for the
// rust-v1alpha1 ABI, built with tinygo. It registers a Pod watch from
// run() and, for every event delivered to on_event, forwards the raw
// event bytes back out as an HTTP request body — enough for the engine
// backends' own tests to observe both ABI host calls round-tripping
// through a real compiled guest.
//
// It shares the host's abi/wire package rather than re-implementing the
// wire format: the schema is identical on both sides of the ABI
// boundary, and wire is pure encode/decode with no host-only
// dependencies, so tinygo compiles it unmodified for wasm.
package main

import (
	"unsafe"

	"github.com/wapc/controller-host/abi/wire"
)

//go:wasmimport http-proxy-abi request
func hostRequest(ptr, length uint32) uint64

//go:wasmimport kube-watch-abi watch
func hostWatch(ptr, length uint32) uint64

// heap is a trivial bump allocator. The guest owns its heap: it never
// frees, and any buffer the host writes here via allocate belongs to the
// guest once on_event returns. Pointers crossing the ABI are absolute
// linear-memory addresses, so allocate hands out the address of the slot,
// never its index into the array. The array base is never address 0, so a
// successful allocation is never confused with the 0 the host treats as
// guest out-of-memory.
var (
	heap    [1 << 20]byte
	heapTop uint32
)

//export allocate
func allocate(size uint32) uint32 {
	if heapTop+size > uint32(len(heap)) {
		return 0
	}
	offset := heapTop
	heapTop += size
	return uint32(uintptr(unsafe.Pointer(&heap[0]))) + offset
}

func writeToHeap(b []byte) (ptr, length uint32) {
	ptr = allocate(uint32(len(b)))
	if ptr == 0 {
		return 0, 0
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(b)), b)
	return ptr, uint32(len(b))
}

func readFromHeap(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

//export run
func run() {
	req := wire.WatchRequest{
		Resource: wire.ResourceRef{
			APIVersion: "v1",
			Kind:       "Pod",
			Version:    "v1",
		},
	}
	offset, length := writeToHeap(wire.EncodeWatchRequest(req))
	hostWatch(offset, length)
}

//export on_event
func onEvent(id uint64, ptr, length uint32) {
	event := readFromHeap(ptr, length)

	req := wire.HttpRequest{
		Method: "GET",
		URI:    "/api/v1/namespaces/default/events",
		Body:   event,
	}
	offset, l := writeToHeap(wire.EncodeHttpRequest(req))
	hostRequest(offset, l)
}

func main() {}
