package containers

import (
	"errors"
	"sync"
	"testing"

	"github.com/spaghettifunk/crude/engine/core"
)

func TestRingQueue_FIFO(t *testing.T) {
	q := NewRingQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := q.Enqueue(i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	if err := q.Enqueue(4); !errors.Is(err, core.ErrResourceExhausted) {
		t.Errorf("Enqueue on full queue error = %v, want ErrResourceExhausted", err)
	}

	v, _ := q.Dequeue()
	if v != 1 {
		t.Errorf("Dequeue() = %d, want 1", v)
	}
	// wrap around
	if err := q.Enqueue(4); err != nil {
		t.Fatalf("Enqueue after dequeue error = %v", err)
	}

	var got []int
	q.Each(func(v int) bool {
		got = append(got, v)
		return true
	})
	want := []int{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Each()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	head, _ := q.Peek()
	if head != 2 || q.Len() != 3 {
		t.Errorf("Peek() = %d, Len() = %d, want 2, 3", head, q.Len())
	}
}

func TestRingQueue_EmptyDequeue(t *testing.T) {
	q := NewRingQueue[string](1)
	if _, err := q.Dequeue(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Dequeue() error = %v, want ErrQueueEmpty", err)
	}
	if _, err := q.Peek(); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("Peek() error = %v, want ErrQueueEmpty", err)
	}
}

func TestPool_StaleHandle(t *testing.T) {
	p := NewPool[int](2)

	h, v, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	*v = 42

	got, ok := p.Get(h)
	if !ok || *got != 42 {
		t.Fatalf("Get() = %v, %v, want 42, true", got, ok)
	}

	if err := p.Release(h); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := p.Get(h); ok {
		t.Error("Get() on released handle returned ok")
	}
	if err := p.Release(h); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("double Release() error = %v, want ErrInvalidHandle", err)
	}

	h2, _, _ := p.Allocate()
	if h2.Index != h.Index {
		t.Fatalf("reused index = %d, want %d", h2.Index, h.Index)
	}
	if h2.Generation == h.Generation {
		t.Error("reused slot kept its generation")
	}
	if _, ok := p.Get(h); ok {
		t.Error("old handle resolves after slot reuse")
	}
}

func TestPool_Exhausted(t *testing.T) {
	p := NewPool[struct{}](1)
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, _, err := p.Allocate(); !errors.Is(err, core.ErrResourceExhausted) {
		t.Errorf("Allocate() on full pool error = %v, want ErrResourceExhausted", err)
	}
	if p.Len() != 1 || p.Cap() != 1 {
		t.Errorf("Len() = %d, Cap() = %d, want 1, 1", p.Len(), p.Cap())
	}
}

func TestPool_ZeroHandleInvalid(t *testing.T) {
	p := NewPool[int](4)
	if InvalidHandle.IsValid() {
		t.Error("InvalidHandle.IsValid() = true")
	}
	if _, ok := p.Get(InvalidHandle); ok {
		t.Error("Get(InvalidHandle) returned ok")
	}
	if _, ok := p.Get(Handle{Index: 99, Generation: 1}); ok {
		t.Error("Get() out of range returned ok")
	}
}

func TestPool_Each(t *testing.T) {
	p := NewPool[int](4)
	for i := 0; i < 3; i++ {
		_, v, _ := p.Allocate()
		*v = i
	}
	sum := 0
	p.Each(func(_ Handle, v *int) bool {
		sum += *v
		return true
	})
	if sum != 3 {
		t.Errorf("sum = %d, want 3", sum)
	}
}

func TestGuarded_Concurrent(t *testing.T) {
	g := NewGuarded(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.With(func(v *int) { *v++ })
		}()
	}
	wg.Wait()

	var got int
	g.With(func(v *int) { got = *v })
	if got != 50 {
		t.Errorf("value = %d, want 50", got)
	}
}

func TestGuarded_TryWith(t *testing.T) {
	g := NewGuarded("a")
	g.With(func(_ *string) {
		if g.TryWith(func(_ *string) {}) {
			t.Error("TryWith() ran while the lock was held")
		}
	})
	if !g.TryWith(func(v *string) { *v = "b" }) {
		t.Error("TryWith() did not run on a free lock")
	}
}
