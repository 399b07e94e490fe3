package asyncloader

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/tasks"
)

// MaxLoaders caps how many loaders one manager drains.
const MaxLoaders = 8

const drainTaskName = "asyncloader"

type ManagerConfig struct {
	// PollInterval bounds how long the drain loop parks while a batch is
	// in flight and nothing new is queued.
	PollInterval time.Duration
}

// Manager drains its loaders from one pinned thread. AddLoader and
// RemoveLoader take the same lock the drain loop holds for a whole pass.
type Manager struct {
	cfg     ManagerConfig
	loaders *containers.Guarded[[]*Loader]
	wake    chan struct{}
	valid   atomic.Bool

	mu        sync.Mutex
	task      *tasks.PinnedTaskHandle
	destroyed bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	return &Manager{
		cfg:     cfg,
		loaders: containers.NewGuarded(make([]*Loader, 0, MaxLoaders)),
		wake:    make(chan struct{}, 1),
	}
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) AddLoader(l *Loader) error {
	if l == nil {
		return fmt.Errorf("add nil loader: %w", core.ErrConfiguration)
	}
	err := m.loaders.WithErr(func(ls *[]*Loader) error {
		if slices.Contains(*ls, l) {
			return fmt.Errorf("loader %q already added: %w", l.Name(), core.ErrConfiguration)
		}
		if len(*ls) >= MaxLoaders {
			return fmt.Errorf("manager holds %d loaders: %w", MaxLoaders, core.ErrResourceExhausted)
		}
		*ls = append(*ls, l)
		return nil
	})
	if err != nil {
		return err
	}
	l.setWaker(m.notify)
	m.notify()
	return nil
}

// RemoveLoader detaches l. The caller still owns it and must shut it down.
func (m *Manager) RemoveLoader(l *Loader) error {
	err := m.loaders.WithErr(func(ls *[]*Loader) error {
		i := slices.Index(*ls, l)
		if i < 0 {
			return fmt.Errorf("loader is not managed: %w", core.ErrInvalidHandle)
		}
		*ls = slices.Delete(*ls, i, i+1)
		return nil
	})
	if err != nil {
		return err
	}
	l.setWaker(nil)
	return nil
}

func (m *Manager) Len() int {
	n := 0
	m.loaders.With(func(ls *[]*Loader) { n = len(*ls) })
	return n
}

// Snapshot returns the stats of every managed loader.
func (m *Manager) Snapshot() []Stats {
	var out []Stats
	m.loaders.With(func(ls *[]*Loader) {
		out = make([]Stats, 0, len(*ls))
		for _, l := range *ls {
			out = append(out, l.Stats())
		}
	})
	return out
}

// Start installs the drain loop on the given pinned thread.
func (m *Manager) Start(sched *tasks.Scheduler, threadIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return fmt.Errorf("start loader manager: %w", core.ErrShutdown)
	}
	if m.task != nil {
		return fmt.Errorf("loader manager already started: %w", core.ErrResourceBusy)
	}
	m.valid.Store(true)
	h, err := sched.AddPinnedTask(tasks.PinnedTask{Name: drainTaskName, ThreadIndex: threadIndex, Run: m.drain})
	if err != nil {
		m.valid.Store(false)
		return fmt.Errorf("start loader manager: %w", err)
	}
	m.task = h
	core.LogDebug("loader manager draining on pinned thread %d", threadIndex)
	return nil
}

func (m *Manager) drain(ctx context.Context) {
	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()

	for m.valid.Load() {
		m.loaders.With(func(ls *[]*Loader) {
			for _, l := range *ls {
				if err := l.Update(); err != nil && !errors.Is(err, core.ErrShutdown) {
					core.LogError("loader %q update: %v", l.Name(), err)
				}
			}
		})

		timer.Reset(m.cfg.PollInterval)
		select {
		case <-m.wake:
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}

// Stop asks the drain loop to exit after its current pass.
func (m *Manager) Stop() {
	m.valid.Store(false)
	m.notify()
}

// Wait blocks until the drain loop has returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	h := m.task
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) running() bool {
	if m.task == nil {
		return false
	}
	select {
	case <-m.task.Done():
		return false
	default:
		return true
	}
}

// Destroy shuts down every loader. It refuses with core.ErrResourceBusy
// until the drain loop is confirmed stopped. Loaders whose transfer outlives
// their shutdown timeout are kept, and Destroy can be called again.
func (m *Manager) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil
	}
	if m.running() {
		return fmt.Errorf("loader manager drain loop still running: %w", core.ErrResourceBusy)
	}

	var errs []error
	m.loaders.With(func(ls *[]*Loader) {
		// loaders whose transfer is still running stay for another attempt
		kept := (*ls)[:0]
		for _, l := range *ls {
			if err := l.Shutdown(); err != nil {
				errs = append(errs, err)
				kept = append(kept, l)
			}
		}
		*ls = kept
	})
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.destroyed = true
	return nil
}
