package abi

import (
	"errors"

	"github.com/wapc/controller-host/abi/wire"
)

// Sentinel errors surfaced at the guest memory boundary. A trap here logs
// and fails the offending call; the host continues running other
// controllers.
var (
	// ErrBadPointer is returned when a guest-supplied (offset, length) pair
	// exits the instance's current linear memory bounds.
	ErrBadPointer = errors.New("abi: pointer out of bounds")

	// ErrAllocatorMissing is returned when a guest does not export an
	// "allocate" function.
	ErrAllocatorMissing = errors.New("abi: guest does not export allocate")

	// ErrAllocatorReturnedZero is returned when the guest's allocate export
	// returns 0, signalling guest-side out-of-memory. No partial write
	// occurs.
	ErrAllocatorReturnedZero = errors.New("abi: guest allocator returned 0")

	// ErrDecode wraps a malformed ABI payload (re-exported from wire for
	// callers that only import abi).
	ErrDecode = wire.ErrDecode
)
