package platform

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/crude/engine/core"
)

func init() {
	// GLFW event handling must run on the main OS thread
	runtime.LockOSThread()
}

type Config struct {
	Name          string
	X, Y          uint32
	Width, Height uint32
}

// Platform owns the window. Every method must be called from the main thread.
type Platform struct {
	window *glfw.Window
	events *core.EventBus

	width, height uint32
}

func New(events *core.EventBus) *Platform {
	return &Platform{events: events}
}

func (p *Platform) Startup(cfg Config) error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("initialize glfw: %w", err)
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return fmt.Errorf("glfw reports no Vulkan loader: %w", core.ErrConfiguration)
	}

	glfw.WindowHint(glfw.Visible, glfw.False)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Required for Vulkan.

	window, err := glfw.CreateWindow(int(cfg.Width), int(cfg.Height), cfg.Name, nil, nil)
	if err != nil {
		glfw.Terminate()
		return fmt.Errorf("create window: %w", err)
	}
	p.window = window
	w, h := window.GetFramebufferSize()
	p.width, p.height = uint32(w), uint32(h)

	p.window.SetFramebufferSizeCallback(p.framebufferSizeCallback)
	p.window.SetCloseCallback(p.closeCallback)
	p.window.SetPos(int(cfg.X), int(cfg.Y))
	p.window.Show()
	core.LogInfo("window %q created (%dx%d)", cfg.Name, p.width, p.height)
	return nil
}

func (p *Platform) Shutdown() {
	if p.window != nil {
		p.window.Destroy()
		p.window = nil
	}
	glfw.Terminate()
}

// PumpMessages polls window events. Resize and close are fired on the event bus.
func (p *Platform) PumpMessages() {
	glfw.PollEvents()
}

func (p *Platform) ShouldClose() bool {
	return p.window == nil || p.window.ShouldClose()
}

func (p *Platform) FramebufferSize() (uint32, uint32) {
	return p.width, p.height
}

// RequiredInstanceExtensions lists the surface extensions the window needs.
func (p *Platform) RequiredInstanceExtensions() []string {
	return p.window.GetRequiredInstanceExtensions()
}

// VulkanProcAddr returns vkGetInstanceProcAddr as resolved by glfw.
func (p *Platform) VulkanProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

// CreateSurface creates a VkSurfaceKHR for the window. instance is a VkInstance.
func (p *Platform) CreateSurface(instance any) (uintptr, error) {
	surface, err := p.window.CreateWindowSurface(instance, nil)
	if err != nil {
		return 0, fmt.Errorf("create window surface: %w", err)
	}
	return surface, nil
}

func (p *Platform) framebufferSizeCallback(_ *glfw.Window, width, height int) {
	// minimized windows report 0x0, keep the last usable extent
	if width == 0 || height == 0 {
		return
	}
	p.width, p.height = uint32(width), uint32(height)
	var ctx core.EventContext
	ctx.Data.U32[0] = p.width
	ctx.Data.U32[1] = p.height
	p.events.Fire(core.EVENT_CODE_RESIZED, p, ctx)
}

func (p *Platform) closeCallback(_ *glfw.Window) {
	p.events.Fire(core.EVENT_CODE_APPLICATION_QUIT, p, core.EventContext{})
}
