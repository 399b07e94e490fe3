package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	// mapped for the buffer's whole lifetime when the memory is CPU visible
	mapped []byte
}

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Format vk.Format
	Aspect vk.ImageAspectFlags
	Width  uint32
	Height uint32
}

func (b *Backend) CreateBuffer(desc *gpu.BufferDesc) (any, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q has zero size: %w", desc.Name, core.ErrConfiguration)
	}
	sharingMode, families := b.context.sharing()
	bufferInfo := vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(desc.Size),
		Usage:                 bufferUsage(desc.Usage),
		SharingMode:           sharingMode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
	}
	out := &VulkanBuffer{Size: desc.Size}
	if err := check("vkCreateBuffer", vk.CreateBuffer(b.device(), &bufferInfo, b.context.Allocator, &out.Handle)); err != nil {
		return nil, fmt.Errorf("buffer %q: %w", desc.Name, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(b.device(), out.Handle, &reqs)
	mem, err := b.context.allocate(reqs, desc.Memory)
	if err != nil {
		b.destroyBuffer(out)
		return nil, fmt.Errorf("buffer %q: %w", desc.Name, err)
	}
	out.Memory = mem
	if err := check("vkBindBufferMemory", vk.BindBufferMemory(b.device(), out.Handle, out.Memory, 0)); err != nil {
		b.destroyBuffer(out)
		return nil, fmt.Errorf("buffer %q: %w", desc.Name, err)
	}

	if desc.Memory.CPUVisible() {
		var pData unsafe.Pointer
		if err := check("vkMapMemory", vk.MapMemory(b.device(), out.Memory, 0, vk.DeviceSize(desc.Size), 0, &pData)); err != nil {
			b.destroyBuffer(out)
			return nil, fmt.Errorf("buffer %q: %w", desc.Name, err)
		}
		out.mapped = unsafe.Slice((*byte)(pData), desc.Size)
	}
	return out, nil
}

func (b *Backend) DestroyBuffer(native any) {
	if buf, ok := native.(*VulkanBuffer); ok {
		b.destroyBuffer(buf)
	}
}

func (b *Backend) destroyBuffer(buf *VulkanBuffer) {
	if buf.mapped != nil {
		vk.UnmapMemory(b.device(), buf.Memory)
		buf.mapped = nil
	}
	if buf.Handle != vk.NullBuffer {
		vk.DestroyBuffer(b.device(), buf.Handle, b.context.Allocator)
		buf.Handle = vk.NullBuffer
	}
	if buf.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(b.device(), buf.Memory, b.context.Allocator)
		buf.Memory = vk.NullDeviceMemory
	}
}

func (b *Backend) MapBuffer(native any) ([]byte, error) {
	buf, ok := native.(*VulkanBuffer)
	if !ok || buf.mapped == nil {
		return nil, gpu.ErrNotMappable
	}
	return buf.mapped, nil
}

func (b *Backend) CreateTexture(desc *gpu.TextureDesc) (any, error) {
	format := vkFormat(desc.Format)
	if format == vk.FormatUndefined || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("texture %q: %s %dx%d: %w", desc.Name, desc.Format, desc.Width, desc.Height, core.ErrConfiguration)
	}
	sharingMode, families := b.context.sharing()
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:             1,
		ArrayLayers:           1,
		Format:                format,
		Tiling:                vk.ImageTilingOptimal,
		InitialLayout:         vk.ImageLayoutUndefined,
		Usage:                 imageUsage(desc),
		SharingMode:           sharingMode,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
		Samples:               vk.SampleCount1Bit,
	}
	out := &VulkanImage{
		Format: format,
		Aspect: aspectOf(desc.Format),
		Width:  desc.Width,
		Height: desc.Height,
	}
	if err := check("vkCreateImage", vk.CreateImage(b.device(), &imageInfo, b.context.Allocator, &out.Handle)); err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Name, err)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(b.device(), out.Handle, &reqs)
	mem, err := b.context.allocate(reqs, gpu.MemoryGPUOnly)
	if err != nil {
		b.destroyImage(out)
		return nil, fmt.Errorf("texture %q: %w", desc.Name, err)
	}
	out.Memory = mem
	if err := check("vkBindImageMemory", vk.BindImageMemory(b.device(), out.Handle, out.Memory, 0)); err != nil {
		b.destroyImage(out)
		return nil, fmt.Errorf("texture %q: %w", desc.Name, err)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    out.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleIdentity,
			G: vk.ComponentSwizzleIdentity,
			B: vk.ComponentSwizzleIdentity,
			A: vk.ComponentSwizzleIdentity,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: out.Aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	if err := check("vkCreateImageView", vk.CreateImageView(b.device(), &viewInfo, b.context.Allocator, &out.View)); err != nil {
		b.destroyImage(out)
		return nil, fmt.Errorf("texture %q: %w", desc.Name, err)
	}
	return out, nil
}

func (b *Backend) DestroyTexture(native any) {
	if img, ok := native.(*VulkanImage); ok {
		b.destroyImage(img)
	}
}

func (b *Backend) destroyImage(img *VulkanImage) {
	if img.View != vk.NullImageView {
		vk.DestroyImageView(b.device(), img.View, b.context.Allocator)
		img.View = vk.NullImageView
	}
	if img.Handle != vk.NullImage {
		vk.DestroyImage(b.device(), img.Handle, b.context.Allocator)
		img.Handle = vk.NullImage
	}
	if img.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(b.device(), img.Memory, b.context.Allocator)
		img.Memory = vk.NullDeviceMemory
	}
}
