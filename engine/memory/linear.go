package memory

import (
	"sync"
	"unsafe"
)

// Marker records a LinearAllocator offset for FreeToMarker.
type Marker uint64

// LinearAllocator is a bump allocator over a fixed buffer. Individual
// deallocation is a no-op; memory comes back through FreeToMarker or Reset.
type LinearAllocator struct {
	mu        sync.Mutex
	buf       []byte
	offset    uint64
	highWater uint64
}

func NewLinearAllocator(capacity uint64) *LinearAllocator {
	return &LinearAllocator{buf: make([]byte, capacity)}
}

func (l *LinearAllocator) Allocate(size uint64) ([]byte, error) {
	return l.AllocateAligned(size, 1)
}

func (l *LinearAllocator) AllocateAligned(size, alignment uint64) ([]byte, error) {
	if !IsPowerOfTwo(alignment) {
		return nil, ErrBadAlignment
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	base := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(l.buf))))
	start := AlignUp(base+l.offset, alignment) - base
	end := start + size
	if end > uint64(len(l.buf)) {
		return nil, ErrOutOfMemory
	}
	l.offset = end
	if end > l.highWater {
		l.highWater = end
	}
	out := l.buf[start:end:end]
	clear(out)
	return out, nil
}

func (l *LinearAllocator) Deallocate([]byte) error {
	return nil
}

func (l *LinearAllocator) Mark() Marker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Marker(l.offset)
}

// FreeToMarker releases every allocation made after m.
func (l *LinearAllocator) FreeToMarker(m Marker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uint64(m) < l.offset {
		l.offset = uint64(m)
	}
}

func (l *LinearAllocator) Reset() {
	l.FreeToMarker(0)
}

func (l *LinearAllocator) Used() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// HighWater is the largest offset ever reached. Useful for sizing the arena.
func (l *LinearAllocator) HighWater() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highWater
}

func (l *LinearAllocator) Cap() uint64 {
	return uint64(len(l.buf))
}
