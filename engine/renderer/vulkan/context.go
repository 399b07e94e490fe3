package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks
	Surface   vk.Surface

	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	locks *VulkanLockPool
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	memoryProperties := vc.Device.Memory
	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// allocate picks a memory type for reqs and allocates it. CPU visible
// memory is host coherent so mapped writes need no flush.
func (vc *VulkanContext) allocate(reqs vk.MemoryRequirements, memory gpu.MemoryType) (vk.DeviceMemory, error) {
	reqs.Deref()
	flags := vk.MemoryPropertyFlagBits(vk.MemoryPropertyDeviceLocalBit)
	switch memory {
	case gpu.MemoryCPUToGPU:
		flags = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	case gpu.MemoryGPUToCPU:
		flags = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit | vk.MemoryPropertyHostCachedBit
	}
	index := vc.FindMemoryIndex(reqs.MemoryTypeBits, uint32(flags))
	if index < 0 && memory == gpu.MemoryGPUToCPU {
		// cached readback memory is optional
		index = vc.FindMemoryIndex(reqs.MemoryTypeBits, uint32(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	}
	if index < 0 {
		return nil, fmt.Errorf("no memory type for flags %#x: %w", uint32(flags), core.ErrResourceExhausted)
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(index),
	}
	var mem vk.DeviceMemory
	if err := check("vkAllocateMemory", vk.AllocateMemory(vc.Device.LogicalDevice, &allocInfo, vc.Allocator, &mem)); err != nil {
		return nil, fmt.Errorf("%w: %w", err, core.ErrResourceExhausted)
	}
	return mem, nil
}

// sharing reports the sharing mode for resources touched by both the
// graphics and the transfer queue.
func (vc *VulkanContext) sharing() (vk.SharingMode, []uint32) {
	d := vc.Device
	if d.GraphicsQueueIndex == d.TransferQueueIndex {
		return vk.SharingModeExclusive, nil
	}
	return vk.SharingModeConcurrent, []uint32{d.GraphicsQueueIndex, d.TransferQueueIndex}
}
