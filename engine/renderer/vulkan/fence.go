package vulkan

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
)

type VulkanFence struct {
	context *VulkanContext
	Handle  vk.Fence
}

func NewFence(context *VulkanContext, createSignaled bool) (*VulkanFence, error) {
	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if createSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	var pFence vk.Fence
	if err := check("vkCreateFence", vk.CreateFence(context.Device.LogicalDevice, &fenceCreateInfo, context.Allocator, &pFence)); err != nil {
		return nil, err
	}
	return &VulkanFence{context: context, Handle: pFence}, nil
}

func (vf *VulkanFence) Wait(timeout time.Duration) error {
	ns := infiniteTimeout
	if timeout >= 0 {
		ns = uint64(timeout.Nanoseconds())
	}
	result := vk.WaitForFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, ns)
	switch result {
	case vk.Success:
		return nil
	case vk.Timeout:
		return fmt.Errorf("fence wait after %s: %w", timeout, core.ErrTimeout)
	case vk.ErrorDeviceLost:
		core.LogError("vk_fence_wait - VK_ERROR_DEVICE_LOST.")
	}
	return check("vkWaitForFences", result)
}

func (vf *VulkanFence) Signaled() bool {
	return vk.GetFenceStatus(vf.context.Device.LogicalDevice, vf.Handle) == vk.Success
}

func (vf *VulkanFence) Reset() error {
	return check("vkResetFences", vk.ResetFences(vf.context.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}))
}

func (vf *VulkanFence) Destroy() {
	if vf.Handle != vk.NullFence {
		vk.DestroyFence(vf.context.Device.LogicalDevice, vf.Handle, vf.context.Allocator)
		vf.Handle = vk.NullFence
	}
}

type VulkanSemaphore struct {
	context *VulkanContext
	Handle  vk.Semaphore
}

func NewSemaphore(context *VulkanContext) (*VulkanSemaphore, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var sem vk.Semaphore
	if err := check("vkCreateSemaphore", vk.CreateSemaphore(context.Device.LogicalDevice, &semaphoreCreateInfo, context.Allocator, &sem)); err != nil {
		return nil, err
	}
	return &VulkanSemaphore{context: context, Handle: sem}, nil
}

func (vs *VulkanSemaphore) Destroy() {
	if vs.Handle != vk.NullSemaphore {
		vk.DestroySemaphore(vs.context.Device.LogicalDevice, vs.Handle, vs.context.Allocator)
		vs.Handle = vk.NullSemaphore
	}
}
