package tasks

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/spaghettifunk/crude/engine/core"
)

// PinnedTask runs on a dedicated OS thread until Run returns. Long-running
// loops must poll their own stop flag or ctx; cancellation is cooperative.
type PinnedTask struct {
	Name        string
	ThreadIndex int
	Run         func(ctx context.Context)
}

type PinnedTaskHandle struct {
	task    PinnedTask
	started atomic.Bool
	done    chan struct{}
}

func (h *PinnedTaskHandle) Name() string {
	return h.task.Name
}

// Done is closed once Run has returned.
func (h *PinnedTaskHandle) Done() <-chan struct{} {
	return h.done
}

func (h *PinnedTaskHandle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return h.started.Load()
	}
}

type pinnedThread struct {
	index int
	tasks chan *PinnedTaskHandle
}

func (s *Scheduler) runPinned(pt *pinnedThread) {
	defer s.pinnedWG.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// park until a task arrives or the scheduler stops
	for h := range pt.tasks {
		s.runPinnedTask(h)
	}
}

func (s *Scheduler) runPinnedTask(h *PinnedTaskHandle) {
	s.activeMu.Lock()
	s.active[h] = struct{}{}
	s.activeMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			core.LogError("pinned task %q panicked: %v", h.task.Name, r)
		}
		s.activeMu.Lock()
		delete(s.active, h)
		s.activeMu.Unlock()
		close(h.done)
	}()

	h.started.Store(true)
	h.task.Run(s.ctx)
}

// AddPinnedTask queues task on its pinned thread. Tasks on the same thread run one after another.
func (s *Scheduler) AddPinnedTask(task PinnedTask) (*PinnedTaskHandle, error) {
	if task.ThreadIndex < 0 || task.ThreadIndex >= len(s.pinned) {
		return nil, fmt.Errorf("task %q on thread %d of %d: %w", task.Name, task.ThreadIndex, len(s.pinned), ErrBadThreadIndex)
	}
	s.pinnedMu.RLock()
	defer s.pinnedMu.RUnlock()
	if !s.running.Load() {
		return nil, ErrSchedulerStopped
	}
	h := &PinnedTaskHandle{task: task, done: make(chan struct{})}
	select {
	case s.pinned[task.ThreadIndex].tasks <- h:
	default:
		return nil, fmt.Errorf("pinned thread %d queue is full: %w", task.ThreadIndex, core.ErrResourceExhausted)
	}
	return h, nil
}

// WaitForPinnedTask blocks until h has finished or ctx is done.
func (s *Scheduler) WaitForPinnedTask(ctx context.Context, h *PinnedTaskHandle) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
