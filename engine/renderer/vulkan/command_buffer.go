package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

var (
	errNotRecording    = errors.New("command buffer is not recording")
	errInRenderPass    = errors.New("command not allowed inside a render pass")
	errCopyOutOfBounds = errors.New("copy out of bounds")
)

// VulkanCommandBuffer owns its command pool so lists can record on
// different goroutines without sharing a pool.
type VulkanCommandBuffer struct {
	backend *Backend
	table   *gpu.ResourceTable
	queue   gpu.QueueType

	Pool   vk.CommandPool
	Handle vk.CommandBuffer
	State  VulkanCommandBufferState

	pipeline *VulkanPipeline
	warned   bool
}

var _ gpu.CommandList = (*VulkanCommandBuffer)(nil)

func (b *Backend) NewCommandList(queue gpu.QueueType, table *gpu.ResourceTable) (gpu.CommandList, error) {
	_, family := b.context.Device.Queue(queue)
	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	cb := &VulkanCommandBuffer{
		backend: b,
		table:   table,
		queue:   queue,
		State:   COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}
	if err := check("vkCreateCommandPool", vk.CreateCommandPool(b.device(), &poolCreateInfo, b.context.Allocator, &cb.Pool)); err != nil {
		return nil, err
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        cb.Pool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	handles := make([]vk.CommandBuffer, 1)
	if err := check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(b.device(), &allocateInfo, handles)); err != nil {
		vk.DestroyCommandPool(b.device(), cb.Pool, b.context.Allocator)
		return nil, err
	}
	cb.Handle = handles[0]
	cb.State = COMMAND_BUFFER_STATE_READY
	return cb, nil
}

func (v *VulkanCommandBuffer) Queue() gpu.QueueType {
	return v.queue
}

func (v *VulkanCommandBuffer) Begin() error {
	if v.State == COMMAND_BUFFER_STATE_RECORDING || v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return fmt.Errorf("begin: command buffer already recording: %w", core.ErrConfiguration)
	}
	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if err := check("vkBeginCommandBuffer", vk.BeginCommandBuffer(v.Handle, &beginInfo)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	v.pipeline = nil
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	switch v.State {
	case COMMAND_BUFFER_STATE_IN_RENDER_PASS:
		return fmt.Errorf("end: %w", errInRenderPass)
	case COMMAND_BUFFER_STATE_RECORDING:
	default:
		return errNotRecording
	}
	if err := check("vkEndCommandBuffer", vk.EndCommandBuffer(v.Handle)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) Reset() error {
	if err := check("vkResetCommandBuffer", vk.ResetCommandBuffer(v.Handle, 0)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_READY
	v.pipeline = nil
	return nil
}

func (v *VulkanCommandBuffer) Destroy() {
	if v.State == COMMAND_BUFFER_STATE_NOT_ALLOCATED {
		return
	}
	device := v.backend.device()
	vk.FreeCommandBuffers(device, v.Pool, 1, []vk.CommandBuffer{v.Handle})
	vk.DestroyCommandPool(device, v.Pool, v.backend.context.Allocator)
	v.Handle = nil
	v.Pool = vk.NullCommandPool
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) recording() bool {
	return v.State == COMMAND_BUFFER_STATE_RECORDING || v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

func (v *VulkanCommandBuffer) buffer(h gpu.BufferHandle) (gpu.Buffer, *VulkanBuffer, error) {
	buf, err := v.table.Buffer(h)
	if err != nil {
		return buf, nil, err
	}
	native, ok := buf.Native.(*VulkanBuffer)
	if !ok {
		return buf, nil, fmt.Errorf("buffer %q has no vulkan buffer: %w", buf.Desc.Name, core.ErrConfiguration)
	}
	return buf, native, nil
}

// Barrier batches every transition into one vkCmdPipelineBarrier. Handles
// that no longer resolve are skipped.
func (v *VulkanCommandBuffer) Barrier(barriers ...gpu.Barrier) {
	if !v.recording() {
		core.LogWarn("vulkan: barrier recorded outside Begin/End")
		return
	}
	var (
		srcStage, dstStage vk.PipelineStageFlagBits
		bufferBarriers     []vk.BufferMemoryBarrier
		imageBarriers      []vk.ImageMemoryBarrier
	)
	for _, b := range barriers {
		from, to := stateFor(b.From, v.queue), stateFor(b.To, v.queue)
		if b.Texture.IsValid() {
			img, err := imageOf(v.table, b.Texture)
			if err != nil {
				core.LogDebug("vulkan: barrier skipped: %v", err)
				continue
			}
			imageBarriers = append(imageBarriers, vk.ImageMemoryBarrier{
				SType:               vk.StructureTypeImageMemoryBarrier,
				SrcAccessMask:       vk.AccessFlags(from.access),
				DstAccessMask:       vk.AccessFlags(to.access),
				OldLayout:           from.layout,
				NewLayout:           to.layout,
				SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
				DstQueueFamilyIndex: vk.QueueFamilyIgnored,
				Image:               img.Handle,
				SubresourceRange: vk.ImageSubresourceRange{
					AspectMask: img.Aspect,
					LevelCount: 1,
					LayerCount: 1,
				},
			})
		} else {
			_, buf, err := v.buffer(b.Buffer)
			if err != nil {
				core.LogDebug("vulkan: barrier skipped: %v", err)
				continue
			}
			bufferBarriers = append(bufferBarriers, vk.BufferMemoryBarrier{
				SType:               vk.StructureTypeBufferMemoryBarrier,
				SrcAccessMask:       vk.AccessFlags(from.access),
				DstAccessMask:       vk.AccessFlags(to.access),
				SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
				DstQueueFamilyIndex: vk.QueueFamilyIgnored,
				Buffer:              buf.Handle,
				Size:                vk.DeviceSize(buf.Size),
			})
		}
		srcStage |= from.stage
		dstStage |= to.stage
	}
	if len(bufferBarriers) == 0 && len(imageBarriers) == 0 {
		return
	}
	vk.CmdPipelineBarrier(
		v.Handle,
		vk.PipelineStageFlags(srcStage), vk.PipelineStageFlags(dstStage),
		0,
		0, nil,
		uint32(len(bufferBarriers)), bufferBarriers,
		uint32(len(imageBarriers)), imageBarriers,
	)
}

func (v *VulkanCommandBuffer) CopyBuffer(src, dst gpu.BufferHandle, srcOffset, dstOffset, size uint64) error {
	if !v.recording() {
		return errNotRecording
	}
	if v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return fmt.Errorf("copy buffer: %w", errInRenderPass)
	}
	s, sNative, err := v.buffer(src)
	if err != nil {
		return err
	}
	d, dNative, err := v.buffer(dst)
	if err != nil {
		return err
	}
	if srcOffset+size > s.Desc.Size || dstOffset+size > d.Desc.Size {
		return fmt.Errorf("copy %q -> %q (%d bytes): %w", s.Desc.Name, d.Desc.Name, size, errCopyOutOfBounds)
	}
	region := vk.BufferCopy{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(v.Handle, sNative.Handle, dNative.Handle, 1, []vk.BufferCopy{region})
	return nil
}

// CopyBufferToTexture expects dst in the copy-dest state.
func (v *VulkanCommandBuffer) CopyBufferToTexture(src gpu.BufferHandle, srcOffset uint64, dst gpu.TextureHandle) error {
	if !v.recording() {
		return errNotRecording
	}
	if v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return fmt.Errorf("copy buffer to texture: %w", errInRenderPass)
	}
	s, sNative, err := v.buffer(src)
	if err != nil {
		return err
	}
	d, err := v.table.Texture(dst)
	if err != nil {
		return err
	}
	img, ok := d.Native.(*VulkanImage)
	if !ok {
		return fmt.Errorf("texture %q has no vulkan image: %w", d.Desc.Name, core.ErrConfiguration)
	}
	if size := d.Desc.Size(); srcOffset+size > s.Desc.Size {
		return fmt.Errorf("copy %q -> %q (%d bytes): %w", s.Desc.Name, d.Desc.Name, size, errCopyOutOfBounds)
	}

	region := vk.BufferImageCopy{
		BufferOffset: vk.DeviceSize(srcOffset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: img.Aspect,
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{
			Width:  img.Width,
			Height: img.Height,
			Depth:  1,
		},
	}
	vk.CmdCopyBufferToImage(v.Handle, sNative.Handle, img.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
	return nil
}

func (v *VulkanCommandBuffer) BeginRenderPass(pass gpu.RenderPassHandle, fb gpu.FramebufferHandle, clear gpu.ClearValues) error {
	if v.State == COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return fmt.Errorf("begin render pass: %w", errInRenderPass)
	}
	if !v.recording() {
		return errNotRecording
	}
	rp, err := v.table.RenderPass(pass)
	if err != nil {
		return err
	}
	f, err := v.table.Framebuffer(fb)
	if err != nil {
		return err
	}
	vrp, ok1 := rp.Native.(*VulkanRenderPass)
	vfb, ok2 := f.Native.(*VulkanFramebuffer)
	if !ok1 || !ok2 {
		return fmt.Errorf("begin render pass %q: foreign native objects: %w", rp.Desc.Name, core.ErrConfiguration)
	}

	// one clear value per attachment; load attachments ignore theirs
	clearValues := make([]vk.ClearValue, 0, len(vfb.Attachments))
	for range rp.Desc.Color {
		var cv vk.ClearValue
		cv.SetColor(clear.Color[:])
		clearValues = append(clearValues, cv)
	}
	if rp.Desc.HasDepth() {
		var cv vk.ClearValue
		cv.SetDepthStencil(clear.Depth, clear.Stencil)
		clearValues = append(clearValues, cv)
	}

	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  vrp.Handle,
		Framebuffer: vfb.Handle,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: vfb.Width, Height: vfb.Height},
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vk.CmdBeginRenderPass(v.Handle, &beginInfo, vk.SubpassContentsInline)
	v.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
	return nil
}

func (v *VulkanCommandBuffer) EndRenderPass() {
	if v.State != COMMAND_BUFFER_STATE_IN_RENDER_PASS {
		return
	}
	vk.CmdEndRenderPass(v.Handle)
	v.State = COMMAND_BUFFER_STATE_RECORDING
}

func (v *VulkanCommandBuffer) BindPipeline(p gpu.PipelineHandle) error {
	pipe, err := v.table.Pipeline(p)
	if err != nil {
		return err
	}
	vp, _ := pipe.Native.(*VulkanPipeline)
	v.pipeline = vp
	if vp != nil && vp.Handle != vk.NullPipeline {
		vk.CmdBindPipeline(v.Handle, vp.BindPoint, vp.Handle)
	}
	return nil
}

func (v *VulkanCommandBuffer) BindDescriptorSet(set gpu.DescriptorSetHandle) error {
	_, err := v.table.DescriptorSet(set)
	return err
}

// canDraw reports whether a native pipeline is bound. Without one the
// command would be invalid, so it is dropped.
func (v *VulkanCommandBuffer) canDraw(op string) bool {
	if v.pipeline != nil && v.pipeline.Handle != vk.NullPipeline {
		return true
	}
	if !v.warned {
		name := "none"
		if v.pipeline != nil {
			name = v.pipeline.Desc.Name
		}
		v.backend.log.Debug("dropping commands without a native pipeline", "op", op, "pipeline", name)
		v.warned = true
	}
	return false
}

func (v *VulkanCommandBuffer) Draw(vertexCount, instanceCount uint32) {
	if v.canDraw("draw") {
		vk.CmdDraw(v.Handle, vertexCount, instanceCount, 0, 0)
	}
}

func (v *VulkanCommandBuffer) DrawIndirect(buf gpu.BufferHandle, offset uint64, drawCount uint32) error {
	_, native, err := v.buffer(buf)
	if err != nil {
		return err
	}
	if v.canDraw("draw_indirect") {
		vk.CmdDrawIndirect(v.Handle, native.Handle, vk.DeviceSize(offset), drawCount, drawIndirectStride)
	}
	return nil
}

func (v *VulkanCommandBuffer) Dispatch(x, y, z uint32) {
	if v.canDraw("dispatch") {
		vk.CmdDispatch(v.Handle, x, y, z)
	}
}

// TraceRays needs VK_KHR_ray_tracing_pipeline, which the device is not
// created with.
func (v *VulkanCommandBuffer) TraceRays(width, height, depth uint32) {
	v.canDraw("trace_rays")
}
