package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/crude/engine/core"
)

const (
	BackendHeadless = "headless"
	BackendVulkan   = "vulkan"
)

type ApplicationConfig struct {
	// The application name used in windowing, if applicable.
	Name string `toml:"name"`
	// Window starting position, if applicable.
	StartPosX uint32 `toml:"start_pos_x"`
	StartPosY uint32 `toml:"start_pos_y"`
	// Window starting size. Also the initial swapchain extent.
	StartWidth  uint32 `toml:"start_width"`
	StartHeight uint32 `toml:"start_height"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RendererConfig struct {
	Backend             string `toml:"backend"`
	SwapchainImageCount uint32 `toml:"swapchain_image_count"`
	FrameTimeoutMS      uint32 `toml:"frame_timeout_ms"`
	RenderGraph         string `toml:"render_graph"`
	TechniquesDir       string `toml:"techniques_dir"`
	// Record independent passes concurrently on the task scheduler.
	ParallelRecording bool `toml:"parallel_recording"`
	// Warn when a declared barrier does not start from the tracked state.
	ValidateBarriers bool `toml:"validate_barriers"`
	// Scratch arena used while parsing the render graph. Zero parses from the heap.
	ParseArenaSize uint64 `toml:"parse_arena_size"`

	MaxBuffers        uint32 `toml:"max_buffers"`
	MaxTextures       uint32 `toml:"max_textures"`
	MaxPipelines      uint32 `toml:"max_pipelines"`
	MaxDescriptorSets uint32 `toml:"max_descriptor_sets"`
	MaxRenderPasses   uint32 `toml:"max_render_passes"`
}

type LoaderConfig struct {
	Count          uint32 `toml:"count"`
	StagingSize    uint64 `toml:"staging_size"`
	QueueCapacity  uint32 `toml:"queue_capacity"`
	PollIntervalMS uint32 `toml:"poll_interval_ms"`
	// Pinned thread the drain loop runs on.
	ThreadIndex int `toml:"thread_index"`
	// Textures streamed at startup, relative to the working directory.
	Textures []string `toml:"textures"`
}

type SchedulerConfig struct {
	// Zero means GOMAXPROCS.
	Workers           int    `toml:"workers"`
	PinnedThreads     int    `toml:"pinned_threads"`
	SimulationThread  int    `toml:"simulation_thread"`
	RenderThread      int    `toml:"render_thread"`
	ShutdownTimeoutMS uint32 `toml:"shutdown_timeout_ms"`
}

type InspectorConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Log         LogConfig         `toml:"log"`
	Renderer    RendererConfig    `toml:"renderer"`
	Loader      LoaderConfig      `toml:"loader"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Inspector   InspectorConfig   `toml:"inspector"`
}

func Default() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:        "Crude",
			StartPosX:   100,
			StartPosY:   100,
			StartWidth:  1280,
			StartHeight: 720,
		},
		Log: LogConfig{Level: "info"},
		Renderer: RendererConfig{
			Backend:             BackendHeadless,
			SwapchainImageCount: 3,
			FrameTimeoutMS:      1000,
			RenderGraph:         "assets/graphs/deferred.json",
			TechniquesDir:       "assets/techniques",
			ParallelRecording:   false,
			ValidateBarriers:    true,
			ParseArenaSize:      1 << 20,
			MaxBuffers:          512,
			MaxTextures:         512,
			MaxPipelines:        128,
			MaxDescriptorSets:   256,
			MaxRenderPasses:     64,
		},
		Loader: LoaderConfig{
			Count:          1,
			StagingSize:    64 << 20,
			QueueCapacity:  256,
			PollIntervalMS: 1,
			ThreadIndex:    1,
		},
		Scheduler: SchedulerConfig{
			Workers:           0,
			PinnedThreads:     3,
			SimulationThread:  0,
			RenderThread:      2,
			ShutdownTimeoutMS: 5000,
		},
		Inspector: InspectorConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7777",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	cfg := Default()
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("config %s: %s: %w", path, strict.String(), core.ErrConfiguration)
		}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("config %s:%d:%d: %s: %w", path, row, col, derr.Error(), core.ErrConfiguration)
		}
		return nil, fmt.Errorf("config %s: %v: %w", path, err, core.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), core.ErrConfiguration)
	}
	switch c.Renderer.Backend {
	case BackendHeadless, BackendVulkan:
	default:
		return invalid("renderer.backend %q is not one of %q, %q", c.Renderer.Backend, BackendHeadless, BackendVulkan)
	}
	if c.Renderer.SwapchainImageCount == 0 {
		return invalid("renderer.swapchain_image_count must be at least 1")
	}
	if c.Application.StartWidth == 0 || c.Application.StartHeight == 0 {
		return invalid("application start size must be non-zero")
	}
	if c.Loader.StagingSize == 0 {
		return invalid("loader.staging_size must be non-zero")
	}
	if c.Loader.QueueCapacity == 0 {
		return invalid("loader.queue_capacity must be non-zero")
	}
	if c.Scheduler.PinnedThreads < 1 {
		return invalid("scheduler.pinned_threads must be at least 1")
	}
	// each pinned loop runs until shutdown, so none may share a thread
	threads := map[int]string{}
	claim := func(key string, idx int) error {
		if idx < 0 || idx >= c.Scheduler.PinnedThreads {
			return invalid("%s %d outside the %d pinned threads", key, idx, c.Scheduler.PinnedThreads)
		}
		if other, ok := threads[idx]; ok {
			return invalid("%s and %s both use pinned thread %d", other, key, idx)
		}
		threads[idx] = key
		return nil
	}
	if err := claim("scheduler.simulation_thread", c.Scheduler.SimulationThread); err != nil {
		return err
	}
	if err := claim("scheduler.render_thread", c.Scheduler.RenderThread); err != nil {
		return err
	}
	if c.Loader.Count > 0 {
		if err := claim("loader.thread_index", c.Loader.ThreadIndex); err != nil {
			return err
		}
	}
	if c.Renderer.RenderGraph == "" {
		return invalid("renderer.render_graph is required")
	}
	return nil
}

func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Renderer.FrameTimeoutMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Loader.PollIntervalMS) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Scheduler.ShutdownTimeoutMS) * time.Millisecond
}
