package tasks

import (
	"sync"
	"sync/atomic"
)

// TaskRange is the half-open interval [Start, End).
type TaskRange struct {
	Start int
	End   int
}

func (r TaskRange) Len() int {
	return r.End - r.Start
}

// TaskSet splits [0, Size) into ranges of at least MinRange elements and
// runs Run on each, possibly concurrently. worker is in [0, NumThreads()).
// Indices below NumWorkers() belong to one pool goroutine each; NumWorkers()
// itself is shared by every caller helping in WaitForTaskSet and by work run
// inline, so state keyed by worker must tolerate concurrent use at that index.
type TaskSet struct {
	Name     string
	Size     int
	MinRange int
	Run      func(r TaskRange, worker int)
}

type TaskSetHandle struct {
	name      string
	partition int
	remaining atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

func (h *TaskSetHandle) Done() <-chan struct{} {
	return h.done
}

func (h *TaskSetHandle) IsComplete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Partitions is the number of ranges the set was split into.
func (h *TaskSetHandle) Partitions() int {
	return h.partition
}

func (h *TaskSetHandle) finish() {
	if h.remaining.Add(-1) == 0 {
		h.closeOnce.Do(func() { close(h.done) })
	}
}

// AddTaskSet partitions ts across the pool and returns immediately.
func (s *Scheduler) AddTaskSet(ts TaskSet) *TaskSetHandle {
	h := &TaskSetHandle{name: ts.Name, done: make(chan struct{})}
	if ts.Size <= 0 || ts.Run == nil {
		close(h.done)
		return h
	}

	ranges := partition(ts.Size, ts.MinRange, s.workers)
	h.partition = len(ranges)
	h.remaining.Store(int32(len(ranges)))
	for _, r := range ranges {
		r := r
		s.submit(func(worker int) {
			defer h.finish()
			ts.Run(r, worker)
		})
	}
	return h
}

// WaitForTaskSet blocks until every range of h has run. The caller helps by
// running queued work while it waits, so nested task sets do not starve.
func (s *Scheduler) WaitForTaskSet(h *TaskSetHandle) {
	for {
		select {
		case <-h.done:
			return
		default:
		}
		if w := s.steal(-1); w != nil {
			w(s.workers)
			continue
		}
		<-h.done
		return
	}
}

// ParallelFor runs fn over [0, size) and waits for completion.
func (s *Scheduler) ParallelFor(name string, size, minRange int, fn func(r TaskRange, worker int)) {
	s.WaitForTaskSet(s.AddTaskSet(TaskSet{Name: name, Size: size, MinRange: minRange, Run: fn}))
}

// partition aims for a few ranges per worker so stealing can balance uneven work.
func partition(size, minRange, workers int) []TaskRange {
	if minRange < 1 {
		minRange = 1
	}
	target := workers * 4
	chunk := (size + target - 1) / target
	if chunk < minRange {
		chunk = minRange
	}
	ranges := make([]TaskRange, 0, (size+chunk-1)/chunk)
	for start := 0; start < size; start += chunk {
		end := start + chunk
		if end > size {
			end = size
		}
		ranges = append(ranges, TaskRange{Start: start, End: end})
	}
	return ranges
}
