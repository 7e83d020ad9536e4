package abi

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// fakeMemory is a flat in-process stand-in for a guest's linear memory.
type fakeMemory struct {
	data []byte
}

func (m *fakeMemory) Read(offset, length uint32) ([]byte, bool) {
	if uint64(offset)+uint64(length) > uint64(len(m.data)) {
		return nil, false
	}
	return m.data[offset : offset+length], true
}

func (m *fakeMemory) Write(offset uint32, b []byte) bool {
	if uint64(offset)+uint64(len(b)) > uint64(len(m.data)) {
		return false
	}
	copy(m.data[offset:], b)
	return true
}

func (m *fakeMemory) Size() uint32 { return uint32(len(m.data)) }

func bumpAllocator(next *uint32) Allocator {
	return func(ctx context.Context, size uint32) (uint32, error) {
		offset := *next
		*next += size
		return offset, nil
	}
}

func TestWriteBackThenReadRoundTrips(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 1024)}
	next := uint32(16)
	want := []byte("watch event payload")

	ptr, err := WriteBack(context.Background(), mem, bumpAllocator(&next), want)
	if err != nil {
		t.Fatalf("WriteBack: %v", err)
	}

	offset, length := UnpackPointer(ptr)
	if offset != 16 || length != uint32(len(want)) {
		t.Fatalf("unpacked (%d, %d), want (16, %d)", offset, length, len(want))
	}

	got, err := Read(mem, offset, length)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("read back %q, want %q", got, want)
	}
}

func TestReadCopiesOutOfGuestMemory(t *testing.T) {
	mem := &fakeMemory{data: []byte("original")}
	got, err := Read(mem, 0, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	mem.data[0] = 'X'
	if string(got) != "original" {
		t.Fatal("Read must copy: mutating guest memory changed the returned bytes")
	}
}

func TestReadOutOfBoundsIsBadPointer(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 8)}
	if _, err := Read(mem, 4, 8); !errors.Is(err, ErrBadPointer) {
		t.Fatalf("Read() err = %v, want ErrBadPointer", err)
	}
}

func TestWriteBackMissingAllocator(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 8)}
	if _, err := WriteBack(context.Background(), mem, nil, []byte("x")); !errors.Is(err, ErrAllocatorMissing) {
		t.Fatalf("WriteBack() err = %v, want ErrAllocatorMissing", err)
	}
}

func TestWriteBackAllocatorReturnedZero(t *testing.T) {
	mem := &fakeMemory{data: make([]byte, 8)}
	oom := func(ctx context.Context, size uint32) (uint32, error) { return 0, nil }

	before := make([]byte, len(mem.data))
	copy(before, mem.data)

	_, err := WriteBack(context.Background(), mem, oom, []byte("x"))
	if !errors.Is(err, ErrAllocatorReturnedZero) {
		t.Fatalf("WriteBack() err = %v, want ErrAllocatorReturnedZero", err)
	}
	if !bytes.Equal(before, mem.data) {
		t.Fatal("no partial write may occur when the allocator fails")
	}
}

func TestPackPointerRoundTrips(t *testing.T) {
	offset, length := UnpackPointer(PackPointer(0xDEADBEEF, 0x1234))
	if offset != 0xDEADBEEF || length != 0x1234 {
		t.Fatalf("round trip gave (%#x, %#x)", offset, length)
	}
}
