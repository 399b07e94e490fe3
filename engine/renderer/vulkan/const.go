package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/gpu"
)

const (
	// nanoseconds; vkWaitForFences takes a uint64 timeout
	infiniteTimeout = ^uint64(0)

	// size of VkDrawIndirectCommand
	drawIndirectStride = 16
)

var vkFormats = [...]vk.Format{
	gpu.FormatUndefined:      vk.FormatUndefined,
	gpu.FormatRGBA8Unorm:     vk.FormatR8g8b8a8Unorm,
	gpu.FormatRGBA8Srgb:      vk.FormatR8g8b8a8Srgb,
	gpu.FormatBGRA8Unorm:     vk.FormatB8g8r8a8Unorm,
	gpu.FormatRGBA16Float:    vk.FormatR16g16b16a16Sfloat,
	gpu.FormatRGBA32Float:    vk.FormatR32g32b32a32Sfloat,
	gpu.FormatRG16Float:      vk.FormatR16g16Sfloat,
	gpu.FormatR32Float:       vk.FormatR32Sfloat,
	gpu.FormatR32Uint:        vk.FormatR32Uint,
	gpu.FormatR11G11B10Float: vk.FormatB10g11r11UfloatPack32,
	gpu.FormatD32Float:       vk.FormatD32Sfloat,
	gpu.FormatD24UnormS8Uint: vk.FormatD24UnormS8Uint,
}

func vkFormat(f gpu.Format) vk.Format {
	if int(f) < len(vkFormats) {
		return vkFormats[f]
	}
	return vk.FormatUndefined
}

func aspectOf(f gpu.Format) vk.ImageAspectFlags {
	switch {
	case f.HasStencil():
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	case f.IsDepth():
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

// stateInfo is what a gpu.ResourceState means to a pipeline barrier.
type stateInfo struct {
	access vk.AccessFlagBits
	stage  vk.PipelineStageFlagBits
	layout vk.ImageLayout
}

var states = [...]stateInfo{
	gpu.StateUndefined: {0, vk.PipelineStageTopOfPipeBit, vk.ImageLayoutUndefined},
	gpu.StateCommon: {
		vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit,
		vk.PipelineStageAllCommandsBit,
		vk.ImageLayoutGeneral,
	},
	gpu.StateVertexAndConstantBuffer: {
		vk.AccessVertexAttributeReadBit | vk.AccessUniformReadBit,
		vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit,
		vk.ImageLayoutGeneral,
	},
	gpu.StateIndexBuffer: {vk.AccessIndexReadBit, vk.PipelineStageVertexInputBit, vk.ImageLayoutGeneral},
	gpu.StateRenderTarget: {
		vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit,
		vk.PipelineStageColorAttachmentOutputBit,
		vk.ImageLayoutColorAttachmentOptimal,
	},
	gpu.StateUnorderedAccess: {
		vk.AccessShaderReadBit | vk.AccessShaderWriteBit,
		vk.PipelineStageComputeShaderBit | vk.PipelineStageFragmentShaderBit,
		vk.ImageLayoutGeneral,
	},
	gpu.StateDepthWrite: {
		vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit,
		vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit,
		vk.ImageLayoutDepthStencilAttachmentOptimal,
	},
	gpu.StateDepthRead: {
		vk.AccessDepthStencilAttachmentReadBit | vk.AccessShaderReadBit,
		vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageFragmentShaderBit,
		vk.ImageLayoutDepthStencilReadOnlyOptimal,
	},
	gpu.StateNonPixelShaderResource: {
		vk.AccessShaderReadBit,
		vk.PipelineStageVertexShaderBit | vk.PipelineStageComputeShaderBit,
		vk.ImageLayoutShaderReadOnlyOptimal,
	},
	gpu.StatePixelShaderResource: {vk.AccessShaderReadBit, vk.PipelineStageFragmentShaderBit, vk.ImageLayoutShaderReadOnlyOptimal},
	gpu.StateShaderResource: {
		vk.AccessShaderReadBit,
		vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit,
		vk.ImageLayoutShaderReadOnlyOptimal,
	},
	gpu.StateIndirectArgument: {vk.AccessIndirectCommandReadBit, vk.PipelineStageDrawIndirectBit, vk.ImageLayoutGeneral},
	gpu.StateCopyDest:         {vk.AccessTransferWriteBit, vk.PipelineStageTransferBit, vk.ImageLayoutTransferDstOptimal},
	gpu.StateCopySource:       {vk.AccessTransferReadBit, vk.PipelineStageTransferBit, vk.ImageLayoutTransferSrcOptimal},
	gpu.StateGenericRead:      {vk.AccessMemoryReadBit, vk.PipelineStageAllCommandsBit, vk.ImageLayoutGeneral},
	gpu.StatePresent:          {vk.AccessMemoryReadBit, vk.PipelineStageBottomOfPipeBit, vk.ImageLayoutPresentSrc},
}

const transferStages = vk.PipelineStageTopOfPipeBit | vk.PipelineStageTransferBit | vk.PipelineStageBottomOfPipeBit

const transferAccess = vk.AccessTransferReadBit | vk.AccessTransferWriteBit | vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit

// stateFor resolves s for a list recorded on queue. Transfer queues only
// know transfer stages; the consumer side is covered by the semaphore the
// graphics queue waits on.
func stateFor(s gpu.ResourceState, queue gpu.QueueType) stateInfo {
	info := states[gpu.StateCommon]
	if int(s) < len(states) {
		info = states[s]
	}
	if queue == gpu.QueueTransfer {
		if info.stage&^transferStages != 0 {
			info.stage = vk.PipelineStageAllCommandsBit
		}
		info.access &= transferAccess
	}
	return info
}

func bufferUsage(u gpu.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if u.Has(gpu.BufferUsageVertex) {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if u.Has(gpu.BufferUsageIndex) {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if u.Has(gpu.BufferUsageUniform) {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if u.Has(gpu.BufferUsageStorage) {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if u.Has(gpu.BufferUsageIndirect) {
		flags |= vk.BufferUsageIndirectBufferBit
	}
	if u.Has(gpu.BufferUsageTransferSrc) {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if u.Has(gpu.BufferUsageTransferDst) {
		flags |= vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

func imageUsage(desc *gpu.TextureDesc) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	u := desc.Usage
	if u&gpu.TextureUsageSampled != 0 {
		flags |= vk.ImageUsageSampledBit
	}
	if u&gpu.TextureUsageRenderTarget != 0 {
		flags |= vk.ImageUsageColorAttachmentBit
	}
	if u&gpu.TextureUsageDepthStencil != 0 {
		flags |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if u&gpu.TextureUsageStorage != 0 {
		flags |= vk.ImageUsageStorageBit
	}
	// streamed textures are filled by a staging copy
	if u&gpu.TextureUsageTransferDst != 0 || desc.Streamed {
		flags |= vk.ImageUsageTransferDstBit
	}
	if flags == 0 {
		flags = vk.ImageUsageSampledBit
	}
	return vk.ImageUsageFlags(flags)
}
