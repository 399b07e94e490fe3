package containers

import (
	"fmt"

	"github.com/spaghettifunk/crude/engine/core"
)

var (
	ErrPoolExhausted = fmt.Errorf("pool exhausted: %w", core.ErrResourceExhausted)
	ErrStaleHandle   = fmt.Errorf("stale handle: %w", core.ErrInvalidHandle)
)

// Handle addresses a Pool slot. Generation zero is never handed out, so the
// zero Handle is always invalid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// InvalidHandle is the zero handle.
var InvalidHandle = Handle{}

func (h Handle) IsValid() bool {
	return h.Generation != 0
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "handle(invalid)"
	}
	return fmt.Sprintf("handle(%d:%d)", h.Index, h.Generation)
}

type slot[T any] struct {
	generation uint32
	live       bool
	value      T
}

// Pool is a fixed-capacity slot array addressed by generational handles.
// Pointers returned by Get stay valid until the slot is released; the
// backing array never grows. Not safe for concurrent use.
type Pool[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

func NewPool[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, 0, capacity),
	}
	// pop from the back, so lower indices are handed out first
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}
	return p
}

// Allocate reserves a zeroed slot.
func (p *Pool[T]) Allocate() (Handle, *T, error) {
	if len(p.free) == 0 {
		return InvalidHandle, nil, ErrPoolExhausted
	}
	index := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[index]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.live = true
	var zero T
	s.value = zero
	p.live++

	return Handle{Index: index, Generation: s.generation}, &s.value, nil
}

// Get returns nil, false for invalid or stale handles.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	if !h.IsValid() || int(h.Index) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return nil, false
	}
	return &s.value, true
}

func (p *Pool[T]) Contains(h Handle) bool {
	_, ok := p.Get(h)
	return ok
}

// Release frees the slot. Outstanding copies of h become stale.
func (p *Pool[T]) Release(h Handle) error {
	if _, ok := p.Get(h); !ok {
		return ErrStaleHandle
	}
	s := &p.slots[h.Index]
	s.live = false
	var zero T
	s.value = zero
	p.free = append(p.free, h.Index)
	p.live--
	return nil
}

// Each visits live slots in index order until fn returns false.
func (p *Pool[T]) Each(fn func(h Handle, v *T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.live {
			continue
		}
		if !fn(Handle{Index: uint32(i), Generation: s.generation}, &s.value) {
			return
		}
	}
}

func (p *Pool[T]) Len() int {
	return p.live
}

func (p *Pool[T]) Cap() int {
	return len(p.slots)
}
