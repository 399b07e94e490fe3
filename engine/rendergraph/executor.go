package rendergraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/tasks"
)

type ExecutorConfig struct {
	FrameTimeout time.Duration
	// Parallel records the passes of one dependency level concurrently.
	Parallel         bool
	ValidateBarriers bool
}

type SkippedNode struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// FrameReport describes one submitted frame.
type FrameReport struct {
	Frame      uint64        `json:"frame"`
	Slot       int           `json:"slot"`
	Executed   []string      `json:"executed"`
	Skipped    []SkippedNode `json:"skipped"`
	Disabled   []string      `json:"disabled"`
	Released   []string      `json:"released"`
	Mismatches int64         `json:"barrier_mismatches"`
	Duration   time.Duration `json:"duration_ns"`
}

type frameSlot struct {
	fence    gpu.Fence
	lists    []gpu.CommandList
	inFlight bool
	// last reload generation applied to this slot
	reloadSeen uint64
	// technique generation the slot's passes last fetched pipelines from
	techniquesSeen uint64
}

type nodeResult struct {
	disabled bool
	err      error
	barriers []gpu.Barrier
}

// Executor walks the compiled graph once per frame on the graphics thread.
type Executor struct {
	cfg     ExecutorConfig
	builder *Builder
	graph   *Graph
	backend gpu.Backend
	waits   *gpu.WaitList
	counter *FrameCounter
	tracker *StateTracker

	mu     sync.Mutex
	slots  []*frameSlot
	closed bool
	// set once Shutdown starts, frames are refused from then on
	stopping bool

	reloadRequest atomic.Uint64
	// generation in which a pass last failed its reload
	reloadFailed map[*Node]uint64

	last atomic.Pointer[FrameReport]
}

func NewExecutor(cfg ExecutorConfig, builder *Builder, backend gpu.Backend, waits *gpu.WaitList) (*Executor, error) {
	if !builder.built {
		return nil, fmt.Errorf("executor needs a built graph: %w", core.ErrConfiguration)
	}
	if cfg.Parallel && builder.services.Scheduler == nil {
		return nil, fmt.Errorf("parallel recording needs a scheduler: %w", core.ErrConfiguration)
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = time.Second
	}
	if waits == nil {
		waits = gpu.NewWaitList()
	}

	imageCount := builder.cfg.ImageCount
	e := &Executor{
		cfg:          cfg,
		builder:      builder,
		graph:        builder.graph,
		backend:      backend,
		waits:        waits,
		counter:      NewFrameCounter(imageCount),
		tracker:      NewStateTracker(),
		slots:        make([]*frameSlot, imageCount),
		reloadFailed: make(map[*Node]uint64),
	}
	for i := range e.slots {
		slot, err := e.newSlot()
		if err != nil {
			e.destroySlots()
			return nil, err
		}
		e.slots[i] = slot
	}
	return e, nil
}

func (e *Executor) newSlot() (*frameSlot, error) {
	fence, err := e.backend.CreateFence(false)
	if err != nil {
		return nil, fmt.Errorf("create frame fence: %w", err)
	}
	slot := &frameSlot{fence: fence, lists: make([]gpu.CommandList, len(e.graph.Nodes()))}
	for _, n := range e.graph.Nodes() {
		cl, err := e.backend.NewCommandList(gpu.QueueGraphics, e.builder.services.Table)
		if err != nil {
			for _, l := range slot.lists {
				if l != nil {
					l.Destroy()
				}
			}
			fence.Destroy()
			return nil, fmt.Errorf("command list for %q: %w", n.Name, err)
		}
		slot.lists[n.Index] = cl
	}
	return slot, nil
}

func (e *Executor) Counter() *FrameCounter {
	return e.counter
}

func (e *Executor) Graph() *Graph {
	return e.graph
}

// LastReport returns the report of the most recent submitted frame, or nil.
func (e *Executor) LastReport() *FrameReport {
	return e.last.Load()
}

// RequestTechniqueReload may be called from any goroutine. Passes see the
// reload at the next frame of each swapchain slot.
func (e *Executor) RequestTechniqueReload() {
	e.reloadRequest.Add(1)
}

// Frame records and submits one frame.
func (e *Executor) Frame(ctx context.Context) (*FrameReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopping {
		return nil, fmt.Errorf("frame: %w", core.ErrShutdown)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	frame := e.counter.Current()
	counter := e.counter.Counter()
	slot := e.slots[frame]
	if slot.inFlight {
		if err := slot.fence.Wait(e.cfg.FrameTimeout); err != nil {
			return nil, fmt.Errorf("frame %d: waiting for slot %d: %w", counter, frame, err)
		}
		slot.inFlight = false
	}
	e.applyReload(slot, frame)

	e.graph.BeginFrame(counter)
	order := e.graph.Order()
	results := make([]nodeResult, len(order))
	position := make(map[*Node]int, len(order))
	for i, n := range order {
		position[n] = i
	}

	if e.cfg.Parallel {
		for _, level := range e.graph.Levels() {
			e.builder.services.Scheduler.ParallelFor("record "+e.graph.Name, len(level), 1, func(r tasks.TaskRange, worker int) {
				for _, n := range level[r.Start:r.End] {
					results[position[n]] = e.record(slot, n, frame, counter, worker)
				}
			})
		}
	} else {
		for i, n := range order {
			results[i] = e.record(slot, n, frame, counter, 0)
		}
	}

	report := &FrameReport{Frame: counter, Slot: frame}
	lists := make([]gpu.CommandList, 0, len(order))
	for i, n := range order {
		res := results[i]
		switch {
		case res.disabled:
			report.Disabled = append(report.Disabled, n.Name)
		case errors.Is(res.err, core.ErrResourceNotReady):
			report.Skipped = append(report.Skipped, SkippedNode{Name: n.Name, Reason: res.err.Error()})
		case res.err != nil:
			core.LogError("frame %d: pass %q failed: %v", counter, n.Name, res.err)
			return nil, fmt.Errorf("pass %q: %w", n.Name, res.err)
		default:
			report.Executed = append(report.Executed, n.Name)
			lists = append(lists, slot.lists[n.Index])
			if e.cfg.ValidateBarriers {
				e.tracker.Apply(n.Name, res.barriers...)
			}
		}
		e.graph.Retire(n)
	}
	for _, r := range e.graph.Resources() {
		if r.ReleasedIn(counter) {
			report.Released = append(report.Released, r.Name)
		}
	}

	waits := e.waits.Drain()
	if err := slot.fence.Reset(); err != nil {
		e.requeue(waits)
		return nil, fmt.Errorf("frame %d: reset fence: %w", counter, err)
	}
	err := e.backend.Submit(gpu.QueueGraphics, &gpu.SubmitInfo{Lists: lists, Wait: waits, Fence: slot.fence})
	if err != nil {
		e.requeue(waits)
		return nil, fmt.Errorf("frame %d: submit: %w", counter, err)
	}
	slot.inFlight = true
	e.counter.Advance()

	report.Mismatches = e.tracker.Mismatches()
	report.Duration = time.Since(start)
	e.last.Store(report)
	return report, nil
}

func (e *Executor) requeue(waits []gpu.Semaphore) {
	for _, s := range waits {
		e.waits.Push(s)
	}
}

// record runs one node into its own command list. The list is submitted
// only when the node finishes without error.
func (e *Executor) record(slot *frameSlot, n *Node, frame int, counter uint64, worker int) nodeResult {
	if !n.Enabled() || n.Pass == nil {
		return nodeResult{disabled: true}
	}
	if err := e.checkInputs(n, frame); err != nil {
		return nodeResult{err: err}
	}

	cl := slot.lists[n.Index]
	if err := cl.Reset(); err != nil {
		return nodeResult{err: err}
	}
	if err := cl.Begin(); err != nil {
		return nodeResult{err: err}
	}
	ctx := &RenderContext{
		InitContext: e.builder.initContext(n),
		Frame:       frame,
		Counter:     counter,
		Commands:    cl,
		Worker:      worker,
	}
	if pre, ok := n.Pass.(PreRenderer); ok {
		if err := pre.PreRender(ctx); err != nil {
			return nodeResult{err: err}
		}
	}
	if err := n.Pass.Render(ctx); err != nil {
		return nodeResult{err: err}
	}
	if post, ok := n.Pass.(PostRenderer); ok {
		if err := post.PostRender(ctx); err != nil {
			return nodeResult{err: err}
		}
	}
	if err := cl.End(); err != nil {
		return nodeResult{err: err}
	}
	return nodeResult{barriers: ctx.barriers}
}

func (e *Executor) checkInputs(n *Node, frame int) error {
	table := e.builder.services.Table
	for _, rh := range n.Inputs {
		r, ok := e.graph.Resource(rh)
		if !ok {
			continue
		}
		ready := true
		if r.IsTexture() {
			ready = table.IsTextureReady(r.Texture(frame))
		} else if r.Type == ResourceBuffer {
			ready = table.IsBufferReady(r.Buffer(frame))
		}
		if !ready {
			return &NotReadyError{Node: n.Name, Resource: r.Name}
		}
	}
	return nil
}

// applyReload runs after the slot's fence has signaled, so nothing of this
// slot still uses the pipelines it drops.
func (e *Executor) applyReload(slot *frameSlot, frame int) {
	source, retiring := e.builder.services.Techniques.(RetiringPipelineSource)
	var techniques uint64
	if retiring {
		// read before the passes fetch, a concurrent load then only delays release
		techniques = source.Generation()
	}
	gen := e.reloadRequest.Load() + techniques
	if slot.reloadSeen == gen {
		return
	}
	slot.reloadSeen = gen
	slot.techniquesSeen = techniques
	for _, n := range e.graph.Order() {
		reloader, ok := n.Pass.(TechniqueReloader)
		if !ok {
			continue
		}
		ctx := &ReloadContext{InitContext: e.builder.initContext(n), Frame: frame}
		if err := reloader.OnTechniquesReloaded(ctx); err != nil {
			core.LogError("pass %q disabled after technique reload: %v", n.Name, err)
			n.SetEnabled(false)
			e.reloadFailed[n] = gen
			continue
		}
		if failed, ok := e.reloadFailed[n]; ok && failed != gen {
			delete(e.reloadFailed, n)
			n.SetEnabled(true)
			core.LogInfo("pass %q re-enabled after technique reload", n.Name)
		}
	}
	if retiring {
		source.ReleaseRetired(e.oldestTechniques())
	}
}

func (e *Executor) oldestTechniques() uint64 {
	oldest := e.slots[0].techniquesSeen
	for _, slot := range e.slots[1:] {
		oldest = min(oldest, slot.techniquesSeen)
	}
	return oldest
}

// Resize waits for the device, rebuilds swapchain-sized resources and
// notifies passes.
func (e *Executor) Resize(width, height uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.stopping {
		return fmt.Errorf("resize: %w", core.ErrShutdown)
	}
	if err := e.backend.WaitIdle(); err != nil {
		return fmt.Errorf("resize: wait idle: %w", err)
	}
	if err := e.builder.Resize(width, height); err != nil {
		return err
	}
	e.tracker.Reset()

	var errs []error
	for _, n := range e.graph.Order() {
		if r, ok := n.Pass.(Resizer); ok {
			ctx := &ResizeContext{InitContext: e.builder.initContext(n)}
			if err := r.OnResize(ctx); err != nil {
				errs = append(errs, fmt.Errorf("resize pass %q: %w", n.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown waits for every in-flight frame, then destroys command lists,
// fences and passes. Resources stay with the builder. If a frame does not
// finish in time nothing is destroyed and the error wraps core.ErrTimeout;
// Shutdown may be retried.
func (e *Executor) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.stopping = true

	var errs []error
	for i, slot := range e.slots {
		if slot == nil || !slot.inFlight {
			continue
		}
		if err := slot.fence.Wait(e.cfg.FrameTimeout); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
			continue
		}
		slot.inFlight = false
	}
	if err := errors.Join(errs...); err != nil {
		core.LogWarn("executor shutdown postponed, frames still in flight: %v", err)
		return err
	}
	e.closed = true
	e.destroySlots()
	e.builder.DestroyPasses()
	return nil
}

func (e *Executor) destroySlots() {
	for i, slot := range e.slots {
		if slot == nil {
			continue
		}
		for _, cl := range slot.lists {
			if cl != nil {
				cl.Destroy()
			}
		}
		if slot.fence != nil {
			slot.fence.Destroy()
		}
		e.slots[i] = nil
	}
}
