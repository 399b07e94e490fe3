package containers

import "sync"

// Guarded owns a value behind a mutex. The value is only reachable inside
// With/WithErr, so it cannot be touched without holding the lock.
type Guarded[T any] struct {
	mu    sync.Mutex
	value T
}

func NewGuarded[T any](value T) *Guarded[T] {
	return &Guarded[T]{value: value}
}

func (g *Guarded[T]) With(fn func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

func (g *Guarded[T]) WithErr(fn func(v *T) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.value)
}

// TryWith runs fn only if the lock is free. Reports whether fn ran.
func (g *Guarded[T]) TryWith(fn func(v *T)) bool {
	if !g.mu.TryLock() {
		return false
	}
	defer g.mu.Unlock()
	fn(&g.value)
	return true
}
