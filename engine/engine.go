package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/crude/engine/asyncloader"
	"github.com/spaghettifunk/crude/engine/config"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/inspect"
	"github.com/spaghettifunk/crude/engine/platform"
	"github.com/spaghettifunk/crude/engine/rendergraph"
	"github.com/spaghettifunk/crude/engine/tasks"
	"github.com/spaghettifunk/crude/engine/technique"
	"github.com/spaghettifunk/crude/engine/world"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageBooting:
		return "booting"
	case EngineStageBootComplete:
		return "boot complete"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// technique edits are collapsed over this window before reloading
const techniqueDebounce = 150 * time.Millisecond

// simulation tick and render pacing
const frameInterval = time.Second / 60

// how often the main goroutine polls the window
const pumpInterval = 4 * time.Millisecond

// Engine is the explicit context every subsystem hangs off. Nothing here is
// a process global; two engines can live side by side in tests.
type Engine struct {
	currentStage Stage
	cfg          *config.Config
	gameInstance *Game

	events    *core.EventBus
	scheduler *tasks.Scheduler
	platform  *platform.Platform
	backend   gpu.Backend

	table      *gpu.ResourceTable
	waits      *gpu.WaitList
	techniques *technique.Cache
	watcher    *technique.Watcher

	world *world.MapWorld
	scene *world.Scene

	graph    *rendergraph.Graph
	builder  *rendergraph.Builder
	executor *rendergraph.Executor

	loaders []*asyncloader.Loader
	manager *asyncloader.Manager
	// textures the engine streamed in itself and must release
	owned []gpu.TextureHandle

	inspector *inspect.Server

	clock   *core.Clock
	metrics *core.FrameMetrics

	runMu     sync.Mutex
	cancelRun context.CancelFunc
	runErr    error

	isRunning   atomic.Bool
	isSuspended atomic.Bool
	width       uint32
	height      uint32
}

func New(cfg *config.Config, g *Game) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if g == nil {
		g = &Game{}
	}
	if err := core.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	e := &Engine{
		currentStage: EngineStageBooting,
		cfg:          cfg,
		gameInstance: g,
		events:       core.NewEventBus(),
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
		width:        cfg.Application.StartWidth,
		height:       cfg.Application.StartHeight,
	}
	e.currentStage = EngineStageBootComplete
	return e, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

func (e *Engine) Executor() *rendergraph.Executor {
	return e.executor
}

func (e *Engine) Table() *gpu.ResourceTable {
	return e.table
}

func (e *Engine) Loaders() *asyncloader.Manager {
	return e.manager
}

func (e *Engine) Metrics() *core.FrameMetrics {
	return e.metrics
}

// Initialize brings every subsystem up. When it fails, Shutdown releases
// whatever had been created.
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return fmt.Errorf("initialize engine in stage %s: %w", e.currentStage, core.ErrConfiguration)
	}
	e.currentStage = EngineStageInitializing
	cfg := e.cfg

	sched, err := tasks.NewScheduler(tasks.Config{
		Workers:       cfg.Scheduler.Workers,
		PinnedThreads: cfg.Scheduler.PinnedThreads,
	})
	if err != nil {
		return err
	}
	e.scheduler = sched

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_TECHNIQUES_RELOADED, e, e.onTechniquesReloaded)

	if err := e.createBackend(); err != nil {
		return err
	}

	e.table = gpu.NewResourceTable(tableConfig(cfg), e.backend)
	e.waits = gpu.NewWaitList()

	e.techniques = technique.NewCache(e.table)
	if err := e.techniques.LoadDir(cfg.Renderer.TechniquesDir); err != nil {
		return err
	}

	if err := e.createScene(); err != nil {
		return err
	}

	e.manager = asyncloader.NewManager(asyncloader.ManagerConfig{PollInterval: cfg.PollInterval()})
	for i := 0; i < int(cfg.Loader.Count); i++ {
		l, err := asyncloader.NewLoader(asyncloader.LoaderConfig{
			Name:          fmt.Sprintf("loader-%d", i),
			StagingSize:   cfg.Loader.StagingSize,
			QueueCapacity: int(cfg.Loader.QueueCapacity),
		}, e.table, e.backend, e.waits)
		if err != nil {
			return err
		}
		if err := e.manager.AddLoader(l); err != nil {
			return err
		}
		e.loaders = append(e.loaders, l)
	}

	if err := e.createRenderGraph(); err != nil {
		return err
	}

	if len(e.loaders) > 0 {
		if err := e.manager.Start(e.scheduler, cfg.Loader.ThreadIndex); err != nil {
			return err
		}
	}

	e.watcher, err = technique.NewWatcher(e.techniques, cfg.Renderer.TechniquesDir, techniqueDebounce, e.techniquesChanged)
	if err != nil {
		// hot reload is a convenience, the engine runs without it
		core.LogWarn("technique hot reload disabled: %v", err)
		e.watcher = nil
	}

	if cfg.Inspector.Enabled {
		e.inspector = inspect.New(inspect.Config{Addr: cfg.Inspector.Addr}, e.executor, e.manager)
		e.inspector.Start()
	}

	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(e.width, e.height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized: backend %s, graph %q, %d loader(s)", e.backend.Name(), e.graph.Name, len(e.loaders))
	return nil
}

// Run starts the simulation and render loops on their pinned threads and
// blocks until ctx is done, the window closes, EVENT_CODE_APPLICATION_QUIT
// fires or either loop fails. With a window it must be called from the main
// goroutine, which keeps pumping platform messages.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("run engine in stage %s: %w", e.currentStage, core.ErrConfiguration)
	}
	e.currentStage = EngineStageRunning

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runMu.Lock()
	e.cancelRun = cancel
	e.runErr = nil
	e.runMu.Unlock()
	e.isRunning.Store(true)

	sim, err := e.scheduler.AddPinnedTask(tasks.PinnedTask{
		Name:        "simulation",
		ThreadIndex: e.cfg.Scheduler.SimulationThread,
		Run:         func(context.Context) { e.fail(e.simulate(runCtx)) },
	})
	if err != nil {
		e.Stop()
		return err
	}
	render, err := e.scheduler.AddPinnedTask(tasks.PinnedTask{
		Name:        "render",
		ThreadIndex: e.cfg.Scheduler.RenderThread,
		Run:         func(context.Context) { e.fail(e.render(runCtx)) },
	})
	if err != nil {
		e.Stop()
		_ = e.scheduler.WaitForPinnedTask(context.Background(), sim)
		return err
	}

	if e.platform != nil {
		for runCtx.Err() == nil {
			e.platform.PumpMessages()
			if e.platform.ShouldClose() {
				break
			}
			select {
			case <-sim.Done():
			case <-render.Done():
			case <-time.After(pumpInterval):
				continue
			}
			break
		}
	} else {
		select {
		case <-runCtx.Done():
		case <-sim.Done():
		case <-render.Done():
		}
	}
	e.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout())
	defer waitCancel()
	var errs []error
	for _, h := range []*tasks.PinnedTaskHandle{sim, render} {
		if err := e.scheduler.WaitForPinnedTask(waitCtx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s loop: %w", h.Name(), err))
		}
	}

	e.runMu.Lock()
	e.cancelRun = nil
	errs = append(errs, e.runErr)
	e.runMu.Unlock()

	core.LogInfo("engine stopped after %d frames (%.1f fps)", e.metrics.Frames(), e.metrics.FPS())
	return errors.Join(errs...)
}

// Stop asks Run to return once both loops finish their current iteration.
// Safe from any goroutine.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
	e.runMu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.runMu.Unlock()
}

// fail keeps the first loop error and stops the engine.
func (e *Engine) fail(err error) {
	if err == nil {
		return
	}
	e.runMu.Lock()
	if e.runErr == nil {
		e.runErr = err
	}
	e.runMu.Unlock()
	e.Stop()
}

func (e *Engine) running(ctx context.Context) bool {
	return e.isRunning.Load() && ctx.Err() == nil
}

// simulate ticks the game at a fixed rate under the scene lock.
func (e *Engine) simulate(ctx context.Context) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	e.clock.Start()
	for e.running(ctx) {
		e.clock.Update()
		if !e.isSuspended.Load() {
			if err := e.update(e.clock.Delta().Seconds()); err != nil {
				core.LogError("game update failed, shutting down: %v", err)
				return err
			}
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	e.clock.Stop()
	return nil
}

func (e *Engine) update(delta float64) error {
	if e.gameInstance.FnUpdate == nil {
		return nil
	}
	return e.scene.WithErr(func(_ *world.World) error {
		return e.gameInstance.FnUpdate(e.world, delta)
	})
}

// render pumps frames through the graph until the engine stops.
func (e *Engine) render(ctx context.Context) error {
	last := time.Now()
	for e.running(ctx) {
		if e.isSuspended.Load() {
			time.Sleep(frameInterval)
			last = time.Now()
			continue
		}
		frameStart := time.Now()

		report, err := e.executor.Frame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, core.ErrTimeout):
			// the GPU fell behind; try the slot again next iteration
			core.LogWarn("%v", err)
			continue
		default:
			core.LogError("frame failed, shutting down: %v", err)
			return err
		}
		if len(report.Skipped) > 0 {
			core.LogDebug("frame %d skipped %d pass(es) waiting on uploads", report.Frame, len(report.Skipped))
		}
		now := time.Now()
		e.metrics.Update(now.Sub(last))
		last = now

		// no swapchain throttles us, give the rest of the frame back
		if remaining := frameInterval - time.Since(frameStart); remaining > 0 {
			time.Sleep(remaining)
		}
	}
	return nil
}

// Shutdown tears subsystems down in reverse dependency order. It is safe to
// call after a failed Initialize and more than once.
func (e *Engine) Shutdown() error {
	if e.currentStage == EngineStageShuttingDown || e.currentStage == EngineStageUninitialized {
		return nil
	}
	e.currentStage = EngineStageShuttingDown
	e.Stop()
	timeout := e.cfg.ShutdownTimeout()

	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if e.gameInstance.FnShutdown != nil {
		keep(e.gameInstance.FnShutdown())
	}
	if e.inspector != nil {
		keep(e.inspector.Shutdown(timeout))
	}
	if e.watcher != nil {
		keep(e.watcher.Close())
	}

	// set when GPU work outlived every wait; what it may touch is leaked
	gpuBusy := false
	if e.manager != nil {
		e.manager.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		keep(e.manager.Wait(ctx))
		cancel()
		if err := e.retryIdle("loader shutdown", e.manager.Destroy); err != nil {
			keep(err)
			gpuBusy = gpuBusy || errors.Is(err, core.ErrTimeout)
		}
	}

	if e.executor != nil {
		if err := e.retryIdle("executor shutdown", e.executor.Shutdown); err != nil {
			keep(err)
			gpuBusy = gpuBusy || errors.Is(err, core.ErrTimeout)
		}
	}
	if gpuBusy {
		core.LogWarn("device still busy, leaking graph resources, textures, techniques and the device")
	} else {
		if e.builder != nil {
			keep(e.builder.Teardown())
		}
		for _, h := range e.owned {
			keep(e.table.DestroyTexture(h))
		}
		e.owned = nil

		if e.techniques != nil {
			e.techniques.Shutdown()
		}
		if e.table != nil {
			keep(e.table.Shutdown())
		}
	}
	if e.scheduler != nil {
		keep(e.scheduler.ShutdownTimeout(timeout))
	}
	if e.backend != nil && !gpuBusy {
		keep(e.backend.Shutdown())
	}
	if e.platform != nil {
		e.platform.Shutdown()
	}

	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)
	e.events.Unregister(core.EVENT_CODE_TECHNIQUES_RELOADED, e)

	e.currentStage = EngineStageUninitialized
	if err := errors.Join(errs...); err != nil {
		core.LogError("engine shutdown: %v", err)
		return err
	}
	core.LogInfo("engine shut down")
	return nil
}

// retryIdle runs a teardown step and, when it timed out on GPU work, waits
// for the device once and runs it again.
func (e *Engine) retryIdle(step string, fn func() error) error {
	err := fn()
	if !errors.Is(err, core.ErrTimeout) || e.backend == nil {
		return err
	}
	core.LogWarn("%s timed out, waiting for the device: %v", step, err)
	if werr := e.backend.WaitIdle(); werr != nil {
		return errors.Join(err, werr)
	}
	return fn()
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.Stop()
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, context core.EventContext) bool {
	if code != core.EVENT_CODE_RESIZED {
		return false
	}
	width := context.Data.U32[0]
	height := context.Data.U32[1]
	if width == e.width && height == e.height {
		return false
	}
	e.width, e.height = width, height
	core.LogDebug("window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("window minimized, suspending application.")
		e.isSuspended.Store(true)
		return true
	}
	if e.isSuspended.Swap(false) {
		core.LogInfo("window restored, resuming application.")
	}
	if e.executor != nil {
		if err := e.executor.Resize(width, height); err != nil {
			core.LogError("resize to %dx%d: %v", width, height, err)
		}
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError("game resize: %v", err)
		}
	}
	// Event purposely not handled to allow other listeners to get this.
	return false
}

func (e *Engine) onTechniquesReloaded(code core.SystemEventCode, sender interface{}, context core.EventContext) bool {
	if e.executor != nil {
		e.executor.RequestTechniqueReload()
	}
	return false
}

// techniquesChanged runs on the watcher goroutine.
func (e *Engine) techniquesChanged(names []string) {
	for _, name := range names {
		var ctx core.EventContext
		ctx.Data.C[0] = name
		e.events.Fire(core.EVENT_CODE_TECHNIQUES_RELOADED, e.watcher, ctx)
	}
}
