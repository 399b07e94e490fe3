// Package vulkan implements gpu.Backend on top of goki/vulkan. Command lists
// record straight into VkCommandBuffers; pipelines and descriptor sets are
// tracked as records until shader compilation is wired in.
package vulkan

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

// WindowSurface is what the backend needs from the platform window.
type WindowSurface interface {
	RequiredInstanceExtensions() []string
	VulkanProcAddr() unsafe.Pointer
	CreateSurface(instance any) (uintptr, error)
}

type Options struct {
	AppName string
	// Validation enables VK_LAYER_KHRONOS_validation and the debug report callback.
	Validation bool
}

type Backend struct {
	context *VulkanContext
	opts    Options
	log     *log.Logger
}

var _ gpu.Backend = (*Backend)(nil)

func New(opts Options, window WindowSurface) (*Backend, error) {
	if window == nil {
		return nil, fmt.Errorf("vulkan backend needs a window surface: %w", core.ErrConfiguration)
	}
	if opts.AppName == "" {
		opts.AppName = "crude"
	}
	b := &Backend{
		context: &VulkanContext{locks: NewVulkanLockPool()},
		opts:    opts,
		log:     core.Logger().With("backend", "vulkan"),
	}

	procAddr := window.VulkanProcAddr()
	if procAddr == nil {
		return nil, fmt.Errorf("GetInstanceProcAddress is nil: %w", core.ErrConfiguration)
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("initialize vulkan: %w", err)
	}

	if err := b.createInstance(window.RequiredInstanceExtensions()); err != nil {
		return nil, err
	}

	core.LogDebug("Creating Vulkan surface...")
	surface, err := window.CreateSurface(b.context.Instance)
	if err != nil {
		b.destroyInstance()
		return nil, err
	}
	b.context.Surface = vk.SurfaceFromPointer(surface)

	requirements := VulkanPhysicalDeviceRequirements{
		Graphics:    true,
		Present:     true,
		Transfer:    true,
		DiscreteGPU: false,
	}
	if err := DeviceCreate(b.context, requirements); err != nil {
		b.destroyInstance()
		return nil, err
	}
	b.log.Info("vulkan backend initialized",
		"graphics_family", b.context.Device.GraphicsQueueIndex,
		"transfer_family", b.context.Device.TransferQueueIndex)
	return b, nil
}

func (b *Backend) createInstance(windowExtensions []string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(b.opts.AppName),
		PEngineName:        VulkanSafeString("crude"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{"VK_KHR_surface"}, windowExtensions...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}

	var layers []string
	if b.opts.Validation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		layers = []string{"VK_LAYER_KHRONOS_validation"}
		if err := requireLayers(layers); err != nil {
			return err
		}
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	var instance vk.Instance
	if err := check("vkCreateInstance", vk.CreateInstance(&createInfo, b.context.Allocator, &instance)); err != nil {
		return err
	}
	b.context.Instance = instance
	if err := vk.InitInstance(instance); err != nil {
		vk.DestroyInstance(instance, b.context.Allocator)
		return err
	}
	core.LogInfo("Vulkan Instance created.")

	if b.opts.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := check("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogWarn("validation callback unavailable: %v", err)
		} else {
			b.context.debugMessenger = dbg
		}
	}
	return nil
}

func requireLayers(required []string) error {
	var count uint32
	if err := check("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, nil)); err != nil {
		return err
	}
	available := make([]vk.LayerProperties, count)
	if err := check("vkEnumerateInstanceLayerProperties", vk.EnumerateInstanceLayerProperties(&count, available)); err != nil {
		return err
	}
	for _, name := range required {
		found := false
		for i := range available {
			available[i].Deref()
			if cString(available[i].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("required validation layer is missing: %s: %w", name, core.ErrConfiguration)
		}
	}
	return nil
}

func (b *Backend) Name() string {
	return "vulkan"
}

func (b *Backend) device() vk.Device {
	return b.context.Device.LogicalDevice
}

func (b *Backend) WaitIdle() error {
	if b.context.Device == nil || b.context.Device.LogicalDevice == nil {
		return nil
	}
	return check("vkDeviceWaitIdle", vk.DeviceWaitIdle(b.device()))
}

// Shutdown destroys the device, surface and instance. Every table object
// must already be gone.
func (b *Backend) Shutdown() error {
	err := b.WaitIdle()
	DeviceDestroy(b.context)
	b.destroyInstance()
	core.LogInfo("Vulkan backend shut down.")
	return err
}

func (b *Backend) destroyInstance() {
	ctx := b.context
	if ctx.Instance == nil {
		return
	}
	if ctx.Surface != vk.NullSurface {
		vk.DestroySurface(ctx.Instance, ctx.Surface, ctx.Allocator)
		ctx.Surface = vk.NullSurface
	}
	if ctx.debugMessenger != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(ctx.Instance, ctx.debugMessenger, nil)
		ctx.debugMessenger = vk.NullDebugReportCallback
	}
	vk.DestroyInstance(ctx.Instance, ctx.Allocator)
	ctx.Instance = nil
}

func (b *Backend) CreateFence(signaled bool) (gpu.Fence, error) {
	return NewFence(b.context, signaled)
}

func (b *Backend) CreateSemaphore() (gpu.Semaphore, error) {
	return NewSemaphore(b.context)
}

func (b *Backend) Submit(queue gpu.QueueType, info *gpu.SubmitInfo) error {
	cmds := make([]vk.CommandBuffer, 0, len(info.Lists))
	for _, l := range info.Lists {
		list, ok := l.(*VulkanCommandBuffer)
		if !ok {
			return fmt.Errorf("submit: foreign command list %T: %w", l, core.ErrConfiguration)
		}
		cmds = append(cmds, list.Handle)
	}
	waits := make([]vk.Semaphore, 0, len(info.Wait))
	stages := make([]vk.PipelineStageFlags, 0, len(info.Wait))
	for _, s := range info.Wait {
		waits = append(waits, s.(*VulkanSemaphore).Handle)
		stages = append(stages, vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit))
	}
	signals := make([]vk.Semaphore, 0, len(info.Signal))
	for _, s := range info.Signal {
		signals = append(signals, s.(*VulkanSemaphore).Handle)
	}
	fence := vk.NullFence
	if info.Fence != nil {
		fence = info.Fence.(*VulkanFence).Handle
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   uint32(len(waits)),
		PWaitSemaphores:      waits,
		PWaitDstStageMask:    stages,
		CommandBufferCount:   uint32(len(cmds)),
		PCommandBuffers:      cmds,
		SignalSemaphoreCount: uint32(len(signals)),
		PSignalSemaphores:    signals,
	}
	q, family := b.context.Device.Queue(queue)
	return b.context.locks.SafeQueueCall(family, func() error {
		return check("vkQueueSubmit", vk.QueueSubmit(q, 1, []vk.SubmitInfo{submitInfo}, fence))
	})
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("ERROR: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE WARNING: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
