package headless

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
)

type Fence struct {
	mu       sync.Mutex
	done     chan struct{}
	signaled bool
}

func newFence(signaled bool) *Fence {
	f := &Fence{done: make(chan struct{})}
	if signaled {
		f.signal()
	}
	return f
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
}

func (f *Fence) Wait(timeout time.Duration) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	if timeout <= 0 {
		select {
		case <-done:
			return nil
		default:
			return core.ErrTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return core.ErrTimeout
	}
}

func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	return nil
}

func (f *Fence) Destroy() {}

var semaphoreIDs atomic.Uint64

type Semaphore struct {
	ID uint64
}

func newSemaphore() *Semaphore {
	return &Semaphore{ID: semaphoreIDs.Add(1)}
}

func (s *Semaphore) Destroy() {}
