package rendergraph

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/renderer/headless"
	"github.com/spaghettifunk/crude/engine/tasks"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

type testPass struct {
	node *Node
	rec  *recorder

	render func(ctx *RenderContext) error
	reload func(ctx *ReloadContext) error

	mu        sync.Mutex
	reloads   []int
	resized   int
	destroyed bool
}

func (p *testPass) Render(ctx *RenderContext) error {
	p.rec.add(p.node.Name)
	if p.render != nil {
		return p.render(ctx)
	}
	ctx.Commands.Draw(3, 1)
	return nil
}

func (p *testPass) OnTechniquesReloaded(ctx *ReloadContext) error {
	p.mu.Lock()
	p.reloads = append(p.reloads, ctx.Frame)
	p.mu.Unlock()
	if p.reload != nil {
		return p.reload(ctx)
	}
	return nil
}

func (p *testPass) OnResize(*ResizeContext) error {
	p.resized++
	return nil
}

func (p *testPass) Destroy(*InitContext) {
	p.destroyed = true
}

type harness struct {
	graph   *Graph
	table   *gpu.ResourceTable
	backend *headless.Backend
	builder *Builder
	exec    *Executor
	passes  map[string]*testPass
	rec     *recorder
	sky     gpu.TextureHandle
	waits   *gpu.WaitList
}

func newHarness(t *testing.T, src string, opts headless.Options, cfg ExecutorConfig, sched *tasks.Scheduler) *harness {
	t.Helper()
	h := &harness{
		graph:   mustParse(t, src),
		backend: headless.New(opts),
		passes:  make(map[string]*testPass),
		rec:     &recorder{},
		waits:   gpu.NewWaitList(),
	}
	h.table = gpu.NewResourceTable(gpu.DefaultTableConfig(), h.backend)

	if _, ok := h.graph.ResourceByName("sky"); ok {
		sky, err := h.table.CreateTexture(gpu.TextureDesc{Name: "sky", Width: 4, Height: 4, Format: gpu.FormatRGBA8Unorm, Streamed: true})
		if err != nil {
			t.Fatal(err)
		}
		h.sky = sky
		if err := h.graph.RegisterExternalTexture("sky", sky); err != nil {
			t.Fatal(err)
		}
	}

	registry := NewPassRegistry()
	for _, n := range h.graph.Nodes() {
		p := &testPass{node: n, rec: h.rec}
		h.passes[n.Name] = p
		registry.Register(n.Name, func(*Node) (Pass, error) { return p, nil })
	}
	h.builder = NewBuilder(h.graph, registry, Services{Table: h.table, Scheduler: sched})
	if err := h.builder.Build(BuildConfig{ImageCount: 3, Width: 64, Height: 32}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	exec, err := NewExecutor(cfg, h.builder, h.backend, h.waits)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	h.exec = exec
	t.Cleanup(func() {
		_ = h.backend.WaitIdle()
		_ = h.exec.Shutdown()
		_ = h.builder.Teardown()
	})
	return h
}

func (h *harness) markSkyReady(t *testing.T) {
	t.Helper()
	if err := h.table.BeginTextureUpload(h.sky); err != nil {
		t.Fatal(err)
	}
	if err := h.table.EndTextureUpload(h.sky, true); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) frame(t *testing.T) *FrameReport {
	t.Helper()
	report, err := h.exec.Frame(context.Background())
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	return report
}

func TestBuilder_CreatesResources(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)

	final, _ := h.graph.ResourceByName("final")
	if final.Instances() != 3 {
		t.Errorf("per-frame final has %d instances, want 3", final.Instances())
	}
	albedo, _ := h.graph.ResourceByName("albedo")
	if albedo.Instances() != 1 {
		t.Errorf("albedo has %d instances, want 1", albedo.Instances())
	}
	tex, err := h.table.Texture(albedo.Texture(0))
	if err != nil || tex.Desc.Width != 64 || tex.Desc.Height != 32 {
		t.Errorf("albedo texture = %+v, %v", tex.Desc, err)
	}

	gbuffer, _ := h.graph.NodeByName("gbuffer")
	rp, err := h.table.RenderPass(gbuffer.RenderPass)
	if err != nil {
		t.Fatalf("gbuffer render pass: %v", err)
	}
	if len(rp.Desc.Color) != 1 || !rp.Desc.HasDepth() {
		t.Errorf("gbuffer render pass = %+v", rp.Desc)
	}
	if len(gbuffer.Framebuffers) != 3 {
		t.Errorf("gbuffer has %d framebuffers, want 3", len(gbuffer.Framebuffers))
	}
	lighting, _ := h.graph.NodeByName("lighting")
	if lighting.HasRenderPass() {
		t.Error("lighting writes no attachments but got a render pass")
	}
}

func TestBuilder_MissingPass(t *testing.T) {
	g := mustParse(t, deferredGraph)
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), headless.New(headless.Options{}))
	sky, _ := table.CreateTexture(gpu.TextureDesc{Name: "sky", Width: 1, Height: 1, Format: gpu.FormatRGBA8Unorm})
	_ = g.RegisterExternalTexture("sky", sky)

	b := NewBuilder(g, NewPassRegistry(), Services{Table: table})
	if err := b.Build(BuildConfig{ImageCount: 2, Width: 8, Height: 8}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Build() without passes error = %v, want ErrConfiguration", err)
	}
	if s := table.Stats(); s.Textures != 1 {
		t.Errorf("failed build left %d textures, want only the external one", s.Textures)
	}
}

func TestBuilder_UnregisteredExternal(t *testing.T) {
	g := mustParse(t, deferredGraph)
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), headless.New(headless.Options{}))
	b := NewBuilder(g, NewPassRegistry(), Services{Table: table})
	if err := b.Build(BuildConfig{ImageCount: 2, Width: 8, Height: 8}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("Build() with unregistered sky error = %v, want ErrConfiguration", err)
	}
}

func TestExecutor_SkipsUntilStreamedInputReady(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)

	report := h.frame(t)
	if !reflect.DeepEqual(report.Executed, []string{"gbuffer", "lighting"}) {
		t.Errorf("Executed = %v", report.Executed)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Name != "compose" {
		t.Errorf("Skipped = %v, want compose", report.Skipped)
	}
	if got := h.rec.take(); !reflect.DeepEqual(got, []string{"gbuffer", "lighting"}) {
		t.Errorf("rendered = %v, compose must not run while sky is loading", got)
	}
	// skipped consumers still release their inputs
	lit, _ := h.graph.ResourceByName("lit")
	if !lit.ReleasedIn(report.Frame) {
		t.Error("lit not released in a frame where its consumer was skipped")
	}

	h.markSkyReady(t)
	report = h.frame(t)
	if !reflect.DeepEqual(report.Executed, []string{"gbuffer", "lighting", "compose"}) {
		t.Errorf("Executed after upload = %v", report.Executed)
	}
	if len(report.Skipped) != 0 {
		t.Errorf("Skipped after upload = %v", report.Skipped)
	}
}

func TestExecutor_NotReadyFromRender(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	h.markSkyReady(t)

	stream, _ := h.table.CreateTexture(gpu.TextureDesc{Name: "late", Width: 1, Height: 1, Format: gpu.FormatRGBA8Unorm, Streamed: true})
	h.passes["lighting"].render = func(ctx *RenderContext) error {
		ctx.Commands.Dispatch(1, 1, 1)
		if !ctx.Table.IsTextureReady(stream) {
			return &NotReadyError{Node: ctx.Node.Name, Resource: "late"}
		}
		return nil
	}

	report := h.frame(t)
	if len(report.Skipped) != 1 || report.Skipped[0].Name != "lighting" {
		t.Fatalf("Skipped = %v, want lighting", report.Skipped)
	}
	subs := h.backend.Submissions()
	for _, cmd := range subs[len(subs)-1].Commands {
		if cmd.Kind == headless.CmdDispatch {
			t.Error("commands of a skipped pass were submitted")
		}
	}
}

func TestExecutor_FailedPassFailsFrame(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	boom := errors.New("boom")
	h.passes["lighting"].render = func(*RenderContext) error { return boom }

	if _, err := h.exec.Frame(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Frame() error = %v, want boom", err)
	}
	if len(h.backend.Submissions()) != 0 {
		t.Error("a failed frame was submitted")
	}
	if h.exec.Counter().Counter() != 0 {
		t.Error("frame counter advanced on a failed frame")
	}
}

func TestExecutor_Toggle(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	h.markSkyReady(t)

	if err := h.graph.SetEnabled("lighting", false); err != nil {
		t.Fatal(err)
	}
	report := h.frame(t)
	if !reflect.DeepEqual(report.Disabled, []string{"lighting"}) {
		t.Errorf("Disabled = %v", report.Disabled)
	}
	if !reflect.DeepEqual(report.Executed, []string{"gbuffer", "compose"}) {
		t.Errorf("Executed = %v", report.Executed)
	}

	_ = h.graph.SetEnabled("lighting", true)
	report = h.frame(t)
	if len(report.Disabled) != 0 || len(report.Executed) != 3 {
		t.Errorf("after re-enable: executed %v, disabled %v", report.Executed, report.Disabled)
	}
}

func TestExecutor_SlotsCycleAndWaitOnFence(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{ManualCompletion: true}, ExecutorConfig{FrameTimeout: 10 * time.Millisecond}, nil)

	for want := range 3 {
		report := h.frame(t)
		if report.Slot != want || report.Frame != uint64(want) {
			t.Fatalf("frame %d used slot %d", report.Frame, report.Slot)
		}
	}
	// slot 0 is still in flight
	if _, err := h.exec.Frame(context.Background()); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Frame() with busy slot error = %v, want ErrTimeout", err)
	}
	if h.exec.Counter().Counter() != 3 {
		t.Errorf("Counter() = %d after timeout, want 3", h.exec.Counter().Counter())
	}

	h.backend.Complete()
	report := h.frame(t)
	if report.Slot != 0 || report.Frame != 3 {
		t.Errorf("frame after completion = slot %d frame %d, want slot 0 frame 3", report.Slot, report.Frame)
	}
	if h.exec.LastReport() != report {
		t.Error("LastReport() is not the latest frame")
	}
}

func TestExecutor_ShutdownKeepsSlotsWhileFrameInFlight(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{ManualCompletion: true}, ExecutorConfig{FrameTimeout: 5 * time.Millisecond}, nil)
	h.frame(t)

	if err := h.exec.Shutdown(); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("Shutdown() with busy frame error = %v, want ErrTimeout", err)
	}
	for name, p := range h.passes {
		if p.destroyed {
			t.Errorf("pass %q destroyed while its frame was in flight", name)
		}
	}
	if _, err := h.exec.Frame(context.Background()); !errors.Is(err, core.ErrShutdown) {
		t.Errorf("Frame() while stopping error = %v, want ErrShutdown", err)
	}

	h.backend.CompleteAll()
	if err := h.exec.Shutdown(); err != nil {
		t.Fatalf("Shutdown() after completion error = %v", err)
	}
	for name, p := range h.passes {
		if !p.destroyed {
			t.Errorf("pass %q not destroyed after Shutdown", name)
		}
	}
}

func TestExecutor_ConsumesWaitSemaphores(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	sem, _ := h.backend.CreateSemaphore()
	h.waits.Push(sem)

	h.frame(t)
	subs := h.backend.Submissions()
	if len(subs) != 1 || len(subs[0].Waits) != 1 || subs[0].Waits[0] != sem {
		t.Errorf("submission waits = %+v", subs)
	}
	if h.waits.Len() != 0 {
		t.Error("semaphore still pending after frame")
	}

	h.frame(t)
	if subs := h.backend.Submissions(); len(subs[1].Waits) != 0 {
		t.Error("semaphore waited on twice")
	}
}

func TestExecutor_TechniqueReload(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	h.markSkyReady(t)
	lighting := h.passes["lighting"]
	node, _ := h.graph.NodeByName("lighting")

	var fail bool
	lighting.reload = func(*ReloadContext) error {
		if fail {
			return errors.New("missing technique")
		}
		return nil
	}

	fail = true
	h.exec.RequestTechniqueReload()
	report := h.frame(t)
	if node.Enabled() || !reflect.DeepEqual(report.Disabled, []string{"lighting"}) {
		t.Fatalf("lighting should be disabled after a failed reload, report %+v", report)
	}

	fail = false
	h.exec.RequestTechniqueReload()
	// slot 1 and 2 see the new generation first, then slot 0
	for range 3 {
		h.frame(t)
	}
	if !node.Enabled() {
		t.Error("lighting not re-enabled after a successful reload")
	}
	// each slot ran the reload once per generation it observed
	lighting.mu.Lock()
	got := append([]int(nil), lighting.reloads...)
	lighting.mu.Unlock()
	if !reflect.DeepEqual(got, []int{0, 1, 2, 0}) {
		t.Errorf("reloads ran on slots %v, want [0 1 2 0]", got)
	}
}

func TestExecutor_UserDisabledStaysDisabledOnReload(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	_ = h.graph.SetEnabled("gbuffer", false)
	h.exec.RequestTechniqueReload()
	h.frame(t)
	node, _ := h.graph.NodeByName("gbuffer")
	if node.Enabled() {
		t.Error("successful reload re-enabled a pass disabled by the user")
	}
}

func TestExecutor_Parallel(t *testing.T) {
	src := `{"passes": [
		{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]},
		{"name": "b", "outputs": [{"type": "buffer", "name": "y", "size": 4}]},
		{"name": "c", "outputs": [{"type": "buffer", "name": "z", "size": 4}]},
		{"name": "d", "inputs": [{"type": "buffer", "name": "x"}, {"type": "buffer", "name": "y"}, {"type": "buffer", "name": "z"}]}
	]}`
	sched, err := tasks.NewScheduler(tasks.Config{Workers: 4, PinnedThreads: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.WaitForAllAndShutdown)

	h := newHarness(t, src, headless.Options{}, ExecutorConfig{Parallel: true}, sched)
	for range 10 {
		report := h.frame(t)
		if !reflect.DeepEqual(report.Executed, []string{"a", "b", "c", "d"}) {
			t.Fatalf("Executed = %v", report.Executed)
		}
		calls := h.rec.take()
		if len(calls) != 4 || calls[3] != "d" {
			t.Fatalf("render calls = %v, d must run after its level", calls)
		}
	}
	subs := h.backend.Submissions()
	if got := len(subs[len(subs)-1].Commands); got != 4 {
		t.Errorf("last submission has %d commands, want 4", got)
	}
}

func TestExecutor_ParallelNeedsScheduler(t *testing.T) {
	g := mustParse(t, `{"passes": [{"name": "a"}]}`)
	registry := NewPassRegistry()
	registry.Register("a", func(n *Node) (Pass, error) { return &testPass{node: n, rec: &recorder{}}, nil })
	backend := headless.New(headless.Options{})
	b := NewBuilder(g, registry, Services{Table: gpu.NewResourceTable(gpu.DefaultTableConfig(), backend)})
	if err := b.Build(BuildConfig{ImageCount: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewExecutor(ExecutorConfig{Parallel: true}, b, backend, nil); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("NewExecutor() error = %v, want ErrConfiguration", err)
	}
}

func TestExecutor_BarrierValidation(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{ValidateBarriers: true}, nil)
	albedo, _ := h.graph.ResourceByName("albedo")
	tex := albedo.Texture(0)

	h.passes["gbuffer"].render = func(ctx *RenderContext) error {
		ctx.Barrier(gpu.TextureBarrier(tex, gpu.StateUndefined, gpu.StateRenderTarget))
		return nil
	}
	h.passes["lighting"].render = func(ctx *RenderContext) error {
		// wrong source state: gbuffer left it as a render target
		ctx.Barrier(gpu.TextureBarrier(tex, gpu.StateDepthWrite, gpu.StateShaderResource))
		return nil
	}
	report := h.frame(t)
	if report.Mismatches != 1 {
		t.Errorf("Mismatches = %d, want 1", report.Mismatches)
	}
}

func TestExecutor_Resize(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{}, ExecutorConfig{}, nil)
	albedo, _ := h.graph.ResourceByName("albedo")
	before := albedo.Texture(0)

	if err := h.exec.Resize(128, 96); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	after := albedo.Texture(0)
	if after == before {
		t.Error("albedo was not recreated")
	}
	if _, err := h.table.Texture(before); !errors.Is(err, core.ErrInvalidHandle) {
		t.Error("old albedo handle still valid")
	}
	tex, _ := h.table.Texture(after)
	if tex.Desc.Width != 128 || tex.Desc.Height != 96 {
		t.Errorf("albedo is %dx%d after resize", tex.Desc.Width, tex.Desc.Height)
	}
	for name, p := range h.passes {
		if p.resized != 1 {
			t.Errorf("pass %s resized %d times", name, p.resized)
		}
	}
	h.frame(t)
}

func TestExecutor_Shutdown(t *testing.T) {
	h := newHarness(t, deferredGraph, headless.Options{ManualCompletion: true}, ExecutorConfig{FrameTimeout: 50 * time.Millisecond}, nil)
	h.frame(t)
	go func() {
		time.Sleep(5 * time.Millisecond)
		h.backend.CompleteAll()
	}()
	if err := h.exec.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	for name, p := range h.passes {
		if !p.destroyed {
			t.Errorf("pass %s not destroyed", name)
		}
	}
	if _, err := h.exec.Frame(context.Background()); !errors.Is(err, core.ErrShutdown) {
		t.Errorf("Frame() after Shutdown error = %v, want ErrShutdown", err)
	}
}
