package engine

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spaghettifunk/crude/engine/config"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/math"
	"github.com/spaghettifunk/crude/engine/world"
)

func writeSky(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.RGBA{B: 255, A: 255})
	path := filepath.Join(t.TempDir(), "sky.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Log.Level = "warn"
	cfg.Application.StartWidth = 64
	cfg.Application.StartHeight = 64
	cfg.Renderer.SwapchainImageCount = 2
	cfg.Renderer.RenderGraph = filepath.Join("..", "assets", "graphs", "deferred.json")
	cfg.Renderer.TechniquesDir = filepath.Join("..", "assets", "techniques")
	cfg.Loader.StagingSize = 1 << 20
	cfg.Loader.Textures = []string{writeSky(t)}
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.ShutdownTimeoutMS = 2000
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, g *Game) *Engine {
	t.Helper()
	e, err := New(cfg, g)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestEngine_RunsHeadlessFrames(t *testing.T) {
	var e *Engine
	frames := 0
	spawned := 0
	g := &Game{
		FnInitialize: func(w *world.MapWorld) error {
			for _, z := range []float32{-5, -15, 25} {
				ent := w.CreateEntity()
				_ = w.SetComponent(ent, world.ComponentTransform, world.NewTransform(math.NewVec3(0, 0, z)))
				_ = w.SetComponent(ent, world.ComponentBounds, world.Bounds{Radius: 1})
				spawned++
			}
			return nil
		},
		FnUpdate: func(w *world.MapWorld, delta float64) error {
			frames++
			if frames >= 5 && e.Metrics().Frames() >= 3 {
				e.Stop()
			}
			return nil
		},
	}
	e = newEngine(t, testConfig(t), g)
	if e.Stage() != EngineStageInitialized {
		t.Fatalf("Stage() = %s after Initialize", e.Stage())
	}
	if spawned != 3 {
		t.Fatalf("FnInitialize spawned %d entities", spawned)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if frames < 5 {
		t.Errorf("FnUpdate called %d times, want at least 5", frames)
	}
	if got := e.Metrics().Frames(); got < 3 {
		t.Errorf("Metrics().Frames() = %d, want at least 3", got)
	}
	report := e.Executor().LastReport()
	if report == nil {
		t.Fatal("LastReport() = nil after running")
	}
	for _, pass := range []string{"culling", "gbuffer", "lighting"} {
		if !slices.Contains(report.Executed, pass) {
			t.Errorf("pass %q not executed in frame %d: %+v", pass, report.Frame, report)
		}
	}

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestEngine_QuitEventStopsRun(t *testing.T) {
	var e *Engine
	frames := 0
	g := &Game{
		FnUpdate: func(w *world.MapWorld, delta float64) error {
			frames++
			e.Events().Fire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{})
			return nil
		},
	}
	e = newEngine(t, testConfig(t), g)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if frames != 1 {
		t.Errorf("frames = %d, want 1", frames)
	}
}

func TestEngine_ContextCancelStopsRun(t *testing.T) {
	e := newEngine(t, testConfig(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the context expired")
	}
}

func TestEngine_UpdateErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	g := &Game{
		FnUpdate: func(w *world.MapWorld, delta float64) error {
			return boom
		},
	}
	e := newEngine(t, testConfig(t), g)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
}

func TestEngine_ResizeEvents(t *testing.T) {
	var sizes [][2]uint32
	g := &Game{
		FnOnResize: func(width, height uint32) error {
			sizes = append(sizes, [2]uint32{width, height})
			return nil
		},
	}
	e := newEngine(t, testConfig(t), g)

	resize := func(w, h uint32) {
		var ctx core.EventContext
		ctx.Data.U32[0] = w
		ctx.Data.U32[1] = h
		e.Events().Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	}

	resize(0, 0)
	if !e.isSuspended.Load() {
		t.Error("engine not suspended after a zero-size resize")
	}
	resize(128, 40)
	if e.isSuspended.Load() {
		t.Error("engine still suspended after restore")
	}
	if _, err := e.Executor().Frame(context.Background()); err != nil {
		t.Fatalf("Frame() after resize error = %v", err)
	}

	want := [][2]uint32{{64, 64}, {128, 40}}
	if !slices.Equal(sizes, want) {
		t.Errorf("FnOnResize sizes = %v, want %v", sizes, want)
	}
}

func TestEngine_InitializeRejectsMissingGraph(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.RenderGraph = filepath.Join(t.TempDir(), "missing.json")
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err == nil {
		t.Fatal("Initialize() with a missing graph succeeded")
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("Shutdown() after failed Initialize error = %v", err)
	}
}

func TestEngine_RunBeforeInitialize(t *testing.T) {
	e, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background()); err == nil {
		t.Error("Run() before Initialize succeeded")
	}
}
