package engine

import (
	"fmt"

	"github.com/spaghettifunk/crude/engine/config"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/math"
	"github.com/spaghettifunk/crude/engine/memory"
	"github.com/spaghettifunk/crude/engine/platform"
	"github.com/spaghettifunk/crude/engine/renderer/headless"
	"github.com/spaghettifunk/crude/engine/renderer/vulkan"
	"github.com/spaghettifunk/crude/engine/rendergraph"
	"github.com/spaghettifunk/crude/engine/rendergraph/passes"
	"github.com/spaghettifunk/crude/engine/world"
)

// submissions the headless backend keeps for inspection
const headlessHistory = 16

func tableConfig(cfg *config.Config) gpu.TableConfig {
	tc := gpu.DefaultTableConfig()
	tc.MaxBuffers = int(cfg.Renderer.MaxBuffers)
	tc.MaxTextures = int(cfg.Renderer.MaxTextures)
	tc.MaxPipelines = int(cfg.Renderer.MaxPipelines)
	tc.MaxDescriptorSets = int(cfg.Renderer.MaxDescriptorSets)
	tc.MaxRenderPasses = int(cfg.Renderer.MaxRenderPasses)
	// one framebuffer per render pass and swapchain image
	tc.MaxFramebuffers = int(cfg.Renderer.MaxRenderPasses * cfg.Renderer.SwapchainImageCount)
	return tc
}

func (e *Engine) createBackend() error {
	app := e.cfg.Application
	switch e.cfg.Renderer.Backend {
	case config.BackendHeadless:
		e.backend = headless.New(headless.Options{HistoryLimit: headlessHistory})
	case config.BackendVulkan:
		p := platform.New(e.events)
		if err := p.Startup(platform.Config{
			Name:   app.Name,
			X:      app.StartPosX,
			Y:      app.StartPosY,
			Width:  app.StartWidth,
			Height: app.StartHeight,
		}); err != nil {
			return err
		}
		e.platform = p
		e.width, e.height = p.FramebufferSize()

		b, err := vulkan.New(vulkan.Options{
			AppName:    app.Name,
			Validation: e.cfg.Log.Level == "debug",
		}, p)
		if err != nil {
			return err
		}
		e.backend = b
	default:
		return fmt.Errorf("renderer backend %q: %w", e.cfg.Renderer.Backend, core.ErrConfiguration)
	}
	return nil
}

// createScene sets up a world with a camera and hands it to the game.
func (e *Engine) createScene() error {
	e.world = world.NewMapWorld()
	camera := e.world.CreateEntity()
	if err := e.world.SetComponent(camera, world.ComponentCamera, world.NewCamera()); err != nil {
		return err
	}
	if err := e.world.SetComponent(camera, world.ComponentTransform, world.NewTransform(math.NewVec3(0, 0, 0))); err != nil {
		return err
	}
	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e.world); err != nil {
			return err
		}
	}
	e.scene = world.NewScene(e.world)
	return nil
}

func (e *Engine) createRenderGraph() error {
	cfg := e.cfg.Renderer

	// the arena only lives while the description is parsed, zero parses
	// straight from the heap
	var temp memory.Allocator = memory.HeapAllocator{}
	var arena *memory.LinearAllocator
	if cfg.ParseArenaSize > 0 {
		arena = memory.NewLinearAllocator(cfg.ParseArenaSize)
		temp = arena
	}
	g, err := rendergraph.ParseFromFile(cfg.RenderGraph, temp)
	if err != nil {
		return err
	}
	if arena != nil {
		core.LogDebug("render graph %q parsed, scratch high water %d bytes", g.Name, arena.HighWater())
	}
	e.graph = g

	if r, ok := g.ResourceByName(passes.ResSky); ok && r.External {
		sky, err := e.loadTextures()
		if err != nil {
			return err
		}
		if err := g.RegisterExternalTexture(passes.ResSky, sky); err != nil {
			return err
		}
	}

	registry := rendergraph.NewPassRegistry()
	passes.Register(registry, passes.Options{})
	e.builder = rendergraph.NewBuilder(g, registry, rendergraph.Services{
		Table:      e.table,
		Techniques: e.techniques,
		Scene:      e.scene,
		Scheduler:  e.scheduler,
	})
	if err := e.builder.Build(rendergraph.BuildConfig{
		ImageCount: int(cfg.SwapchainImageCount),
		Width:      e.width,
		Height:     e.height,
	}); err != nil {
		return err
	}

	e.executor, err = rendergraph.NewExecutor(rendergraph.ExecutorConfig{
		FrameTimeout:     e.cfg.FrameTimeout(),
		Parallel:         cfg.ParallelRecording,
		ValidateBarriers: cfg.ValidateBarriers,
	}, e.builder, e.backend, e.waits)
	return err
}

// loadTextures queues every configured texture across the loaders and
// returns the first one for the sky. Without textures or loaders the sky is
// a ready 1x1 placeholder.
func (e *Engine) loadTextures() (gpu.TextureHandle, error) {
	var sky gpu.TextureHandle
	if len(e.loaders) > 0 {
		for i, path := range e.cfg.Loader.Textures {
			l := e.loaders[i%len(e.loaders)]
			h, id, err := l.CreateTextureFromFile(path)
			if err != nil {
				core.LogWarn("texture %s not streamed: %v", path, err)
				continue
			}
			core.LogDebug("texture %s queued on %s as request %s", path, l.Name(), id)
			e.owned = append(e.owned, h)
			if !sky.IsValid() {
				sky = h
			}
		}
	}
	if sky.IsValid() {
		return sky, nil
	}

	h, err := e.table.CreateTexture(gpu.TextureDesc{
		Name:   passes.ResSky,
		Width:  1,
		Height: 1,
		Format: gpu.FormatRGBA8Unorm,
		Usage:  gpu.TextureUsageSampled,
	})
	if err != nil {
		return gpu.TextureHandle{}, err
	}
	e.owned = append(e.owned, h)
	return h, nil
}
