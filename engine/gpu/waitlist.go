package gpu

import "sync"

// WaitList collects semaphores signaled by other queues that the graphics
// queue must wait on at its next submission. Each pushed semaphore is
// drained exactly once.
type WaitList struct {
	mu      sync.Mutex
	pending []Semaphore
}

func NewWaitList() *WaitList {
	return &WaitList{}
}

func (w *WaitList) Push(s Semaphore) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, s)
}

// Drain returns and clears the pending semaphores.
func (w *WaitList) Drain() []Semaphore {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

// Contains reports whether s is still waiting to be consumed.
func (w *WaitList) Contains(s Semaphore) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.pending {
		if p == s {
			return true
		}
	}
	return false
}

func (w *WaitList) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
