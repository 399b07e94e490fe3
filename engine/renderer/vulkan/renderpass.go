package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type VulkanRenderPass struct {
	Handle vk.RenderPass
	Desc   gpu.RenderPassDesc
}

type VulkanFramebuffer struct {
	Handle      vk.Framebuffer
	Width       uint32
	Height      uint32
	Attachments []vk.ImageView
}

func attachmentDescription(a gpu.AttachmentDesc, layout vk.ImageLayout) vk.AttachmentDescription {
	desc := vk.AttachmentDescription{
		Format:         vkFormat(a.Format),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpDontCare,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		// barriers around the pass expect the attachment to stay in its
		// attachment layout
		FinalLayout: layout,
	}
	switch a.LoadOp {
	case gpu.LoadOpClear:
		desc.LoadOp = vk.AttachmentLoadOpClear
	case gpu.LoadOpLoad:
		desc.LoadOp = vk.AttachmentLoadOpLoad
		desc.InitialLayout = layout
	}
	if a.Format.HasStencil() {
		desc.StencilLoadOp = desc.LoadOp
		desc.StencilStoreOp = vk.AttachmentStoreOpStore
	}
	return desc
}

func (b *Backend) CreateRenderPass(desc *gpu.RenderPassDesc) (any, error) {
	// Main subpass
	subpass := vk.SubpassDescription{
		PipelineBindPoint: vk.PipelineBindPointGraphics,
	}

	attachments := make([]vk.AttachmentDescription, 0, len(desc.Color)+1)
	colorRefs := make([]vk.AttachmentReference, 0, len(desc.Color))
	for _, c := range desc.Color {
		if c.Format.IsDepth() {
			return nil, fmt.Errorf("render pass %q: depth format %s as color: %w", desc.Name, c.Format, core.ErrConfiguration)
		}
		colorRefs = append(colorRefs, vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
		attachments = append(attachments, attachmentDescription(c, vk.ImageLayoutColorAttachmentOptimal))
	}
	subpass.ColorAttachmentCount = uint32(len(colorRefs))
	subpass.PColorAttachments = colorRefs

	dstStage := vk.PipelineStageColorAttachmentOutputBit
	dstAccess := vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit
	if desc.HasDepth() {
		depthRef := vk.AttachmentReference{
			Attachment: uint32(len(attachments)),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		attachments = append(attachments, attachmentDescription(desc.Depth, vk.ImageLayoutDepthStencilAttachmentOptimal))
		subpass.PDepthStencilAttachment = &depthRef
		dstStage |= vk.PipelineStageEarlyFragmentTestsBit
		dstAccess |= vk.AccessDepthStencilAttachmentWriteBit
	}

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(dstStage),
		SrcAccessMask: 0,
		DstStageMask:  vk.PipelineStageFlags(dstStage),
		DstAccessMask: vk.AccessFlags(dstAccess),
	}

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}

	out := &VulkanRenderPass{Desc: *desc}
	if err := check("vkCreateRenderPass", vk.CreateRenderPass(b.device(), &renderpassCreateInfo, b.context.Allocator, &out.Handle)); err != nil {
		return nil, fmt.Errorf("render pass %q: %w", desc.Name, err)
	}
	return out, nil
}

func (b *Backend) DestroyRenderPass(native any) {
	if rp, ok := native.(*VulkanRenderPass); ok && rp.Handle != vk.NullRenderPass {
		vk.DestroyRenderPass(b.device(), rp.Handle, b.context.Allocator)
		rp.Handle = vk.NullRenderPass
	}
}

func imageOf(table *gpu.ResourceTable, h gpu.TextureHandle) (*VulkanImage, error) {
	tex, err := table.Texture(h)
	if err != nil {
		return nil, err
	}
	img, ok := tex.Native.(*VulkanImage)
	if !ok {
		return nil, fmt.Errorf("texture %q has no vulkan image: %w", tex.Desc.Name, core.ErrConfiguration)
	}
	return img, nil
}

func (b *Backend) CreateFramebuffer(desc *gpu.FramebufferDesc, table *gpu.ResourceTable) (any, error) {
	rp, err := table.RenderPass(desc.RenderPass)
	if err != nil {
		return nil, err
	}
	pass, ok := rp.Native.(*VulkanRenderPass)
	if !ok {
		return nil, fmt.Errorf("framebuffer %q: render pass %q has no vulkan handle: %w", desc.Name, rp.Desc.Name, core.ErrConfiguration)
	}
	if len(desc.Color) != len(rp.Desc.Color) {
		return nil, fmt.Errorf("framebuffer %q has %d color attachments, render pass expects %d: %w",
			desc.Name, len(desc.Color), len(rp.Desc.Color), core.ErrConfiguration)
	}

	out := &VulkanFramebuffer{Width: desc.Width, Height: desc.Height}
	for _, h := range desc.Color {
		img, err := imageOf(table, h)
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, img.View)
	}
	if rp.Desc.HasDepth() {
		img, err := imageOf(table, desc.Depth)
		if err != nil {
			return nil, err
		}
		out.Attachments = append(out.Attachments, img.View)
	}

	framebufferCreateInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      pass.Handle,
		AttachmentCount: uint32(len(out.Attachments)),
		PAttachments:    out.Attachments,
		Width:           desc.Width,
		Height:          desc.Height,
		Layers:          1,
	}
	if err := check("vkCreateFramebuffer", vk.CreateFramebuffer(b.device(), &framebufferCreateInfo, b.context.Allocator, &out.Handle)); err != nil {
		return nil, fmt.Errorf("framebuffer %q: %w", desc.Name, err)
	}
	return out, nil
}

func (b *Backend) DestroyFramebuffer(native any) {
	if fb, ok := native.(*VulkanFramebuffer); ok && fb.Handle != vk.NullFramebuffer {
		vk.DestroyFramebuffer(b.device(), fb.Handle, b.context.Allocator)
		fb.Handle = vk.NullFramebuffer
		fb.Attachments = nil
	}
}
