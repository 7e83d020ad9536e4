package abi

import "context"

// Memory is the minimal linear-memory surface every engine backend's guest
// memory handle must provide. wazero's api.Memory already satisfies this
// shape; engines/wasmtime and engines/wasmer wrap their own memory handles
// in a small adapter.
type Memory interface {
	Read(offset, length uint32) ([]byte, bool)
	Write(offset uint32, data []byte) bool
	Size() uint32
}

// Allocator invokes a guest's exported "allocate(size) -> offset" function.
type Allocator func(ctx context.Context, size uint32) (uint32, error)

// Read copies [offset, offset+length) out of the instance's linear memory.
// No pointer into guest memory escapes the call.
func Read(mem Memory, offset, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	b, ok := mem.Read(offset, length)
	if !ok {
		return nil, ErrBadPointer
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

// WriteBack calls the guest's allocator to obtain an offset sized to
// len(data), copies data there, and returns the packed (offset, length)
// pointer. Ownership of the returned buffer transfers to the guest; the
// host never frees it.
func WriteBack(ctx context.Context, mem Memory, alloc Allocator, data []byte) (uint64, error) {
	if alloc == nil {
		return 0, ErrAllocatorMissing
	}
	offset, err := alloc(ctx, uint32(len(data)))
	if err != nil {
		return 0, err
	}
	if offset == 0 && len(data) > 0 {
		return 0, ErrAllocatorReturnedZero
	}
	if len(data) > 0 && !mem.Write(offset, data) {
		return 0, ErrBadPointer
	}
	return PackPointer(offset, uint32(len(data))), nil
}

// PackPointer packs a 32-bit offset and 32-bit length into one u64, the
// universal return type for host functions handing bytes back to guests.
func PackPointer(offset, length uint32) uint64 {
	return uint64(offset)<<32 | uint64(length)
}

// UnpackPointer reverses PackPointer.
func UnpackPointer(v uint64) (offset, length uint32) {
	return uint32(v >> 32), uint32(v)
}
