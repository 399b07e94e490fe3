package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
)

func newScheduler(t *testing.T, workers, pinned int) *Scheduler {
	t.Helper()
	s, err := NewScheduler(Config{Workers: workers, PinnedThreads: pinned})
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	t.Cleanup(s.WaitForAllAndShutdown)
	return s
}

func TestNewScheduler_NeedsPinnedThread(t *testing.T) {
	if _, err := NewScheduler(Config{Workers: 2}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("NewScheduler() error = %v, want ErrConfiguration", err)
	}
}

func TestTaskSet_CoversRangeOnce(t *testing.T) {
	s := newScheduler(t, 4, 1)

	const size = 10_000
	hits := make([]int32, size)
	var maxWorker atomic.Int32
	s.ParallelFor("cover", size, 16, func(r TaskRange, worker int) {
		if int32(worker) > maxWorker.Load() {
			maxWorker.Store(int32(worker))
		}
		for i := r.Start; i < r.End; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
	})

	for i, n := range hits {
		if n != 1 {
			t.Fatalf("index %d visited %d times", i, n)
		}
	}
	if int(maxWorker.Load()) >= s.NumThreads() {
		t.Errorf("worker index %d out of range [0, %d)", maxWorker.Load(), s.NumThreads())
	}
}

func TestTaskSet_InlineRunsUseSharedIndex(t *testing.T) {
	s := newScheduler(t, 2, 1)
	s.WaitForAllAndShutdown()

	var mu sync.Mutex
	seen := map[int]int{}
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ParallelFor("inline", 64, 1, func(r TaskRange, worker int) {
				mu.Lock()
				seen[worker] += r.Len()
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if len(seen) != 1 || seen[s.NumWorkers()] != 128 {
		t.Errorf("worker indices = %v, want every range on shared index %d", seen, s.NumWorkers())
	}
}

func TestTaskSet_Empty(t *testing.T) {
	s := newScheduler(t, 2, 1)
	h := s.AddTaskSet(TaskSet{Name: "empty"})
	if !h.IsComplete() {
		t.Error("empty task set should complete immediately")
	}
	s.WaitForTaskSet(h)
}

func TestTaskSet_Nested(t *testing.T) {
	s := newScheduler(t, 2, 1)
	var total atomic.Int64
	s.ParallelFor("outer", 8, 1, func(r TaskRange, _ int) {
		s.ParallelFor("inner", 100, 10, func(r TaskRange, _ int) {
			total.Add(int64(r.Len()))
		})
	})
	if total.Load() != 800 {
		t.Errorf("total = %d, want 800", total.Load())
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		size, minRange, workers int
		want                    int
	}{
		{size: 100, minRange: 50, workers: 8, want: 2},
		{size: 7, minRange: 1, workers: 1, want: 4},
		{size: 1, minRange: 0, workers: 4, want: 1},
	}
	for _, tt := range tests {
		ranges := partition(tt.size, tt.minRange, tt.workers)
		if len(ranges) != tt.want {
			t.Errorf("partition(%d, %d, %d) = %d ranges, want %d", tt.size, tt.minRange, tt.workers, len(ranges), tt.want)
		}
		if ranges[0].Start != 0 || ranges[len(ranges)-1].End != tt.size {
			t.Errorf("partition(%d, ...) = %v does not span the range", tt.size, ranges)
		}
	}
}

func TestPinnedTask_RunsInOrder(t *testing.T) {
	s := newScheduler(t, 1, 2)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	a, err := s.AddPinnedTask(PinnedTask{Name: "a", ThreadIndex: 1, Run: record("a")})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.AddPinnedTask(PinnedTask{Name: "b", ThreadIndex: 1, Run: record("b")})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForPinnedTask(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.WaitForPinnedTask(ctx, b); err != nil {
		t.Fatal(err)
	}
	if strings.Join(order, "") != "ab" {
		t.Errorf("order = %v, want [a b]", order)
	}
	if a.IsRunning() {
		t.Error("IsRunning() after completion")
	}
}

func TestPinnedTask_BadThread(t *testing.T) {
	s := newScheduler(t, 1, 1)
	if s.NumPinnedThreads() != 1 {
		t.Fatalf("NumPinnedThreads() = %d, want 1", s.NumPinnedThreads())
	}
	if _, err := s.AddPinnedTask(PinnedTask{Name: "x", ThreadIndex: 3, Run: func(context.Context) {}}); !errors.Is(err, ErrBadThreadIndex) {
		t.Errorf("AddPinnedTask() error = %v, want ErrBadThreadIndex", err)
	}
}

func TestPinnedTask_Panic(t *testing.T) {
	s := newScheduler(t, 1, 1)
	h, _ := s.AddPinnedTask(PinnedTask{Name: "boom", Run: func(context.Context) { panic("boom") }})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitForPinnedTask(ctx, h); err != nil {
		t.Fatalf("WaitForPinnedTask() error = %v", err)
	}
	// the thread survives
	h2, _ := s.AddPinnedTask(PinnedTask{Name: "after", Run: func(context.Context) {}})
	if err := s.WaitForPinnedTask(ctx, h2); err != nil {
		t.Errorf("WaitForPinnedTask() after panic error = %v", err)
	}
}

func TestShutdown_CooperativeTaskStops(t *testing.T) {
	s, _ := NewScheduler(Config{Workers: 1, PinnedThreads: 1})
	_, err := s.AddPinnedTask(PinnedTask{Name: "loop", Run: func(ctx context.Context) {
		<-ctx.Done()
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ShutdownTimeout(time.Second); err != nil {
		t.Errorf("ShutdownTimeout() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() after shutdown")
	}
	if _, err := s.AddPinnedTask(PinnedTask{Name: "late", Run: func(context.Context) {}}); !errors.Is(err, core.ErrShutdown) {
		t.Errorf("AddPinnedTask() after shutdown error = %v, want ErrShutdown", err)
	}
}

func TestShutdown_TimeoutNamesStuckTask(t *testing.T) {
	s, _ := NewScheduler(Config{Workers: 1, PinnedThreads: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	_, _ = s.AddPinnedTask(PinnedTask{Name: "stubborn", Run: func(context.Context) {
		close(started)
		<-release
	}})
	<-started

	err := s.ShutdownTimeout(20 * time.Millisecond)
	if !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("ShutdownTimeout() error = %v, want ErrTimeout", err)
	}
	if !strings.Contains(err.Error(), "stubborn") {
		t.Errorf("error %q does not name the stuck task", err)
	}
	close(release)
	s.WaitForAllAndShutdown()
}
