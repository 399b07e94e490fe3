package passes_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/math"
	"github.com/spaghettifunk/crude/engine/memory"
	"github.com/spaghettifunk/crude/engine/renderer/headless"
	"github.com/spaghettifunk/crude/engine/rendergraph"
	"github.com/spaghettifunk/crude/engine/rendergraph/passes"
	"github.com/spaghettifunk/crude/engine/tasks"
	"github.com/spaghettifunk/crude/engine/technique"
	"github.com/spaghettifunk/crude/engine/world"
)

const graphJSON = `{
	"name": "deferred",
	"passes": [
		{"name": "culling", "outputs": [
			{"type": "buffer", "name": "indirect_args", "size": 4112, "usage": ["indirect", "storage"], "memory": "cpu_to_gpu", "per_frame": true}
		]},
		{"name": "gbuffer", "inputs": [{"type": "buffer", "name": "indirect_args"}], "outputs": [
			{"type": "attachment", "name": "gbuffer_albedo", "format": "RGBA8", "op": "clear", "resolution": [0, 0]},
			{"type": "attachment", "name": "gbuffer_normal", "format": "RGBA16F", "op": "clear", "resolution": [0, 0]},
			{"type": "attachment", "name": "depth", "format": "D32F", "op": "clear", "resolution": [0, 0]}
		]},
		{"name": "lighting", "inputs": [
			{"type": "attachment", "name": "gbuffer_albedo"},
			{"type": "attachment", "name": "gbuffer_normal"},
			{"type": "attachment", "name": "depth"}
		], "outputs": [
			{"type": "texture", "name": "lit", "format": "RGBA16F", "resolution": [0, 0]}
		]},
		{"name": "compose", "inputs": [
			{"type": "texture", "name": "lit"},
			{"type": "texture", "name": "sky", "external": true}
		], "outputs": [
			{"type": "attachment", "name": "final", "format": "BGRA8", "op": "clear", "resolution": [0, 0], "per_frame": true}
		]}
	]
}`

const techniqueTOML = `
name = "deferred"

[[passes]]
name = "culling"
kind = "compute"
shader = "culling.comp.spv"

[[passes]]
name = "gbuffer"
kind = "graphics"
shader = "gbuffer.spv"

[[passes]]
name = "lighting"
kind = "compute"
shader = "lighting.comp.spv"

[[passes]]
name = "compose"
kind = "graphics"
shader = "compose.spv"
`

type fixture struct {
	backend    *headless.Backend
	table      *gpu.ResourceTable
	techniques *technique.Cache
	techPath   string
	graph      *rendergraph.Graph
	builder    *rendergraph.Builder
	exec       *rendergraph.Executor
	sky        gpu.TextureHandle
	scene      *world.Scene
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: headless.New(headless.Options{})}
	f.table = gpu.NewResourceTable(gpu.DefaultTableConfig(), f.backend)

	dir := t.TempDir()
	f.techPath = filepath.Join(dir, "deferred.toml")
	if err := os.WriteFile(f.techPath, []byte(techniqueTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	f.techniques = technique.NewCache(f.table)
	if err := f.techniques.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	scene := world.NewMapWorld()
	camera := scene.CreateEntity()
	_ = scene.SetComponent(camera, world.ComponentCamera, world.NewCamera())
	for _, z := range []float32{-10, -20, -30, 10, 20} {
		e := scene.CreateEntity()
		_ = scene.SetComponent(e, world.ComponentTransform, world.NewTransform(math.NewVec3(0, 0, z)))
		_ = scene.SetComponent(e, world.ComponentBounds, world.Bounds{Radius: 1})
	}

	sched, err := tasks.NewScheduler(tasks.Config{Workers: 2, PinnedThreads: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.WaitForAllAndShutdown)

	g, err := rendergraph.Parse([]byte(graphJSON), memory.NewLinearAllocator(1<<16))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	f.graph = g
	f.sky, _ = f.table.CreateTexture(gpu.TextureDesc{Name: "sky", Width: 2, Height: 2, Format: gpu.FormatRGBA8Unorm, Streamed: true})
	if err := g.RegisterExternalTexture(passes.ResSky, f.sky); err != nil {
		t.Fatal(err)
	}

	registry := rendergraph.NewPassRegistry()
	passes.Register(registry, passes.Options{})
	f.scene = world.NewScene(scene)
	f.builder = rendergraph.NewBuilder(g, registry, rendergraph.Services{
		Table:      f.table,
		Techniques: f.techniques,
		Scene:      f.scene,
		Scheduler:  sched,
	})
	if err := f.builder.Build(rendergraph.BuildConfig{ImageCount: 2, Width: 64, Height: 64}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	f.exec, err = rendergraph.NewExecutor(rendergraph.ExecutorConfig{ValidateBarriers: true}, f.builder, f.backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = f.exec.Shutdown()
		_ = f.builder.Teardown()
		f.techniques.Shutdown()
	})
	return f
}

func (f *fixture) frame(t *testing.T) *rendergraph.FrameReport {
	t.Helper()
	report, err := f.exec.Frame(context.Background())
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	return report
}

func (f *fixture) lastCommands() []headless.Command {
	subs := f.backend.Submissions()
	return subs[len(subs)-1].Commands
}

func countKind(cmds []headless.Command, kind headless.CommandKind) int {
	n := 0
	for _, c := range cmds {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func TestDeferred_CullsAndWaitsForSky(t *testing.T) {
	f := newFixture(t)

	report := f.frame(t)
	if !slices.Equal(report.Executed, []string{"culling", "gbuffer", "lighting"}) {
		t.Errorf("Executed = %v", report.Executed)
	}
	if len(report.Skipped) != 1 || report.Skipped[0].Name != "compose" {
		t.Errorf("Skipped = %v, want compose until the sky is uploaded", report.Skipped)
	}
	if report.Mismatches != 0 {
		t.Errorf("Mismatches = %d", report.Mismatches)
	}

	node, _ := f.graph.NodeByName("culling")
	culling := node.Pass.(*passes.Culling)
	if culling.Visible() != 3 || culling.Total() != 5 {
		t.Errorf("culling visible %d of %d, want 3 of 5", culling.Visible(), culling.Total())
	}
	args, _ := f.graph.ResourceByName(passes.ResIndirectArgs)
	buf, _ := f.table.Buffer(args.Buffer(report.Slot))
	data := headless.BufferData(buf)
	if got := binary.LittleEndian.Uint32(data[4:]); got != 3 {
		t.Errorf("indirect instance count = %d, want 3", got)
	}

	cmds := f.lastCommands()
	if countKind(cmds, headless.CmdDrawIndirect) != 1 || countKind(cmds, headless.CmdDispatch) != 2 {
		t.Errorf("submitted %d indirect draws, %d dispatches", countKind(cmds, headless.CmdDrawIndirect), countKind(cmds, headless.CmdDispatch))
	}

	_ = f.table.BeginTextureUpload(f.sky)
	_ = f.table.EndTextureUpload(f.sky, true)
	report = f.frame(t)
	if len(report.Executed) != 4 {
		t.Errorf("Executed after upload = %v", report.Executed)
	}
	if countKind(f.lastCommands(), headless.CmdDraw) != 1 {
		t.Error("compose did not draw")
	}
}

func TestCulling_ReusesSnapshotWhileSceneLocked(t *testing.T) {
	f := newFixture(t)
	node, _ := f.graph.NodeByName("culling")
	culling := node.Pass.(*passes.Culling)

	f.frame(t)
	if culling.Total() != 5 {
		t.Fatalf("culling total = %d, want 5", culling.Total())
	}

	done := make(chan struct{})
	f.scene.With(func(w *world.World) {
		mw := (*w).(*world.MapWorld)
		e := mw.CreateEntity()
		_ = mw.SetComponent(e, world.ComponentTransform, world.NewTransform(math.NewVec3(0, 0, -5)))
		_ = mw.SetComponent(e, world.ComponentBounds, world.Bounds{Radius: 1})

		// render while the scene is held, as the simulation thread would
		go func() {
			defer close(done)
			if _, err := f.exec.Frame(context.Background()); err != nil {
				t.Errorf("Frame() error = %v", err)
			}
		}()
		<-done
	})
	if culling.Total() != 5 || culling.Visible() != 3 {
		t.Errorf("locked frame culled %d of %d, want the previous 3 of 5", culling.Visible(), culling.Total())
	}

	f.frame(t)
	if culling.Total() != 6 || culling.Visible() != 4 {
		t.Errorf("culled %d of %d after unlock, want 4 of 6", culling.Visible(), culling.Total())
	}
}

func TestDeferred_CacheReloadBeforeRequest(t *testing.T) {
	f := newFixture(t)
	f.frame(t)
	pipelines := f.table.Stats().Pipelines

	// the watcher reloads the cache before the executor hears about it
	if _, err := f.techniques.Reload(f.techPath); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	report := f.frame(t)
	if !slices.Contains(report.Executed, "culling") || !slices.Contains(report.Executed, "lighting") {
		t.Fatalf("Executed = %v after cache reload", report.Executed)
	}
	if f.techniques.Retired() != 1 {
		t.Fatalf("Retired() = %d, want the old technique kept while slots use it", f.techniques.Retired())
	}

	// once both slots have fetched the new pipelines the old ones go away
	f.frame(t)
	if f.techniques.Retired() != 0 {
		t.Errorf("Retired() = %d after every slot moved on, want 0", f.techniques.Retired())
	}
	if got := f.table.Stats().Pipelines; got != pipelines {
		t.Errorf("table holds %d pipelines, want %d", got, pipelines)
	}
}

func TestDeferred_StalePipelineSkipsPass(t *testing.T) {
	f := newFixture(t)
	f.frame(t)

	h, err := f.techniques.Pipeline(passes.DefaultTechnique, "culling")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.table.DestroyPipeline(h); err != nil {
		t.Fatal(err)
	}
	report, err := f.exec.Frame(context.Background())
	if err != nil {
		t.Fatalf("Frame() with a destroyed pipeline error = %v", err)
	}
	if !slices.ContainsFunc(report.Skipped, func(s rendergraph.SkippedNode) bool { return s.Name == "culling" }) {
		t.Errorf("Skipped = %v, want culling", report.Skipped)
	}
	if !slices.Contains(report.Executed, "lighting") {
		t.Errorf("Executed = %v, want the other passes to keep running", report.Executed)
	}
}

func TestDeferred_TechniqueReload(t *testing.T) {
	f := newFixture(t)
	lighting, _ := f.graph.NodeByName("lighting")

	broken := `
name = "deferred"

[[passes]]
name = "culling"
kind = "compute"

[[passes]]
name = "gbuffer"

[[passes]]
name = "compose"
`
	if err := os.WriteFile(f.techPath, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.techniques.Reload(f.techPath); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	f.exec.RequestTechniqueReload()

	report := f.frame(t)
	if lighting.Enabled() || !slices.Contains(report.Disabled, "lighting") {
		t.Fatalf("lighting should be disabled without its pipeline: %+v", report)
	}

	if err := os.WriteFile(f.techPath, []byte(techniqueTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.techniques.Reload(f.techPath); err != nil {
		t.Fatal(err)
	}
	f.exec.RequestTechniqueReload()
	for range 2 {
		f.frame(t)
	}
	if !lighting.Enabled() {
		t.Error("lighting not re-enabled after the technique came back")
	}
}

func TestDeferred_Resize(t *testing.T) {
	f := newFixture(t)
	if err := f.exec.Resize(128, 40); err != nil {
		t.Fatalf("Resize() error = %v", err)
	}
	f.frame(t)
	for _, c := range f.lastCommands() {
		if c.Kind == headless.CmdDispatch && c.Counts[0] == 16 && c.Counts[1] == 5 {
			return
		}
	}
	t.Error("lighting did not dispatch over the resized target")
}

func TestDeferred_TeardownReleasesDescriptorSets(t *testing.T) {
	f := newFixture(t)
	if got := f.table.Stats().DescriptorSets; got != 4 {
		t.Fatalf("DescriptorSets = %d, want 2 passes x 2 slots", got)
	}
	_ = f.exec.Shutdown()
	_ = f.builder.Teardown()
	if got := f.table.Stats().DescriptorSets; got != 0 {
		t.Errorf("DescriptorSets after teardown = %d", got)
	}
}
