package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/spaghettifunk/crude/engine/core"
)

var (
	ErrOutOfMemory  = fmt.Errorf("allocator out of memory: %w", core.ErrResourceExhausted)
	ErrBadAlignment = fmt.Errorf("alignment must be a power of two: %w", core.ErrConfiguration)
)

// Allocator hands out byte buffers. Parsing and other transient work take
// an Allocator so callers decide where scratch memory lives.
type Allocator interface {
	Allocate(size uint64) ([]byte, error)
	AllocateAligned(size, alignment uint64) ([]byte, error)
	Deallocate(buf []byte) error
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two.
func AlignUp[T constraints.Unsigned](value, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// AllocSlice carves a []T out of a. T must not contain pointers: the
// garbage collector does not scan allocator memory.
func AllocSlice[T any](a Allocator, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	var zero T
	size := uint64(unsafe.Sizeof(zero)) * uint64(n)
	align := uint64(unsafe.Alignof(zero))
	buf, err := a.AllocateAligned(size, align)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(buf))), n), nil
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct{}

func (HeapAllocator) Allocate(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func (h HeapAllocator) AllocateAligned(size, alignment uint64) ([]byte, error) {
	if !IsPowerOfTwo(alignment) {
		return nil, ErrBadAlignment
	}
	buf := make([]byte, size+alignment)
	offset := AlignUp(uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))), alignment) -
		uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf))))
	return buf[offset : offset+size : offset+size], nil
}

func (HeapAllocator) Deallocate([]byte) error {
	return nil
}
