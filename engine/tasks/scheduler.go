package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
)

var (
	ErrNoPinnedThreads  = fmt.Errorf("scheduler needs at least one pinned thread: %w", core.ErrConfiguration)
	ErrBadThreadIndex   = fmt.Errorf("pinned thread index out of range: %w", core.ErrConfiguration)
	ErrSchedulerStopped = fmt.Errorf("scheduler stopped: %w", core.ErrShutdown)
)

type Config struct {
	// Workers is the size of the task set pool. Zero or negative means GOMAXPROCS.
	Workers int
	// PinnedThreads is the number of dedicated OS threads for long-running tasks.
	PinnedThreads int
}

type work func(worker int)

// Scheduler runs data-parallel task sets on a work-stealing pool and
// long-running tasks on pinned OS threads.
type Scheduler struct {
	workers    int
	workQueues []chan work
	done       chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
	next       atomic.Uint32

	pinnedMu sync.RWMutex
	pinned   []*pinnedThread
	pinnedWG sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	activeMu sync.Mutex
	active   map[*PinnedTaskHandle]struct{}

	stopOnce sync.Once
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.PinnedThreads < 1 {
		return nil, ErrNoPinnedThreads
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		workers:    workers,
		workQueues: make([]chan work, workers),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		active:     make(map[*PinnedTaskHandle]struct{}),
	}
	for i := range workers {
		s.workQueues[i] = make(chan work, queueSize)
	}
	s.running.Store(true)

	s.wg.Add(workers)
	for i := range workers {
		go s.worker(i)
	}

	s.pinned = make([]*pinnedThread, cfg.PinnedThreads)
	s.pinnedWG.Add(cfg.PinnedThreads)
	for i := range cfg.PinnedThreads {
		pt := &pinnedThread{index: i, tasks: make(chan *PinnedTaskHandle, 16)}
		s.pinned[i] = pt
		go s.runPinned(pt)
	}

	core.LogDebug("task scheduler started with %d workers and %d pinned threads", workers, cfg.PinnedThreads)
	return s, nil
}

// NumWorkers is the number of pool workers.
func (s *Scheduler) NumWorkers() int {
	return s.workers
}

// NumThreads is the number of distinct worker indices a TaskSet callback can
// observe: every pool worker plus one index shared by all waiting or inline
// callers.
func (s *Scheduler) NumThreads() int {
	return s.workers + 1
}

func (s *Scheduler) NumPinnedThreads() int {
	return len(s.pinned)
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	myQueue := s.workQueues[id]
	for {
		select {
		case <-s.done:
			s.drainQueue(myQueue, id)
			return
		case w := <-myQueue:
			w(id)
		default:
			if stolen := s.steal(id); stolen != nil {
				stolen(id)
				continue
			}
			select {
			case <-s.done:
				s.drainQueue(myQueue, id)
				return
			case w := <-myQueue:
				w(id)
			}
		}
	}
}

func (s *Scheduler) drainQueue(queue chan work, id int) {
	for {
		select {
		case w := <-queue:
			w(id)
		default:
			return
		}
	}
}

// steal takes work from any queue other than skip. skip < 0 tries all.
func (s *Scheduler) steal(skip int) work {
	for i := range s.workers {
		if i == skip {
			continue
		}
		select {
		case w := <-s.workQueues[i]:
			return w
		default:
		}
	}
	return nil
}

// submit queues w without blocking. When every queue is full, or the pool
// is stopped, w runs inline on the caller under the shared index s.workers.
func (s *Scheduler) submit(w work) {
	if s.running.Load() {
		start := int(s.next.Add(1))
		for i := range s.workers {
			select {
			case s.workQueues[(start+i)%s.workers] <- w:
				return
			default:
			}
		}
	}
	w(s.workers)
}

func (s *Scheduler) stop() {
	s.stopOnce.Do(func() {
		s.pinnedMu.Lock()
		s.running.Store(false)
		s.cancel()
		close(s.done)
		for _, pt := range s.pinned {
			close(pt.tasks)
		}
		s.pinnedMu.Unlock()
	})
}

// WaitForAllAndShutdown stops the scheduler and blocks until every worker
// and pinned thread has exited.
func (s *Scheduler) WaitForAllAndShutdown() {
	s.stop()
	s.wg.Wait()
	s.pinnedWG.Wait()
}

// Shutdown stops the scheduler and waits for workers and pinned tasks until
// ctx is done. Pinned tasks still running at that point are reported by name
// and left to finish on their own.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stop()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.pinnedWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		core.LogDebug("task scheduler stopped")
		return nil
	case <-ctx.Done():
		names := s.activePinnedNames()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = core.ErrTimeout
		}
		return fmt.Errorf("pinned tasks still running [%s]: %w", strings.Join(names, ", "), err)
	}
}

// ShutdownTimeout is Shutdown with a deadline of d.
func (s *Scheduler) ShutdownTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Scheduler) activePinnedNames() []string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	names := make([]string, 0, len(s.active))
	for h := range s.active {
		names = append(names, h.task.Name)
	}
	sort.Strings(names)
	return names
}
