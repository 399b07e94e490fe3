package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/crude/engine/gpu"
)

// VulkanPipeline records what a technique asked for. Handle stays null until
// SPIR-V loading exists; draws against a null pipeline are dropped.
type VulkanPipeline struct {
	Desc      gpu.PipelineDesc
	Handle    vk.Pipeline
	BindPoint vk.PipelineBindPoint
}

type VulkanDescriptorSet struct {
	Desc     gpu.DescriptorSetDesc
	Pipeline *VulkanPipeline
}

func bindPoint(kind gpu.PipelineKind) vk.PipelineBindPoint {
	if kind == gpu.PipelineCompute {
		return vk.PipelineBindPointCompute
	}
	// ray tracing pipelines fall back to the graphics bind point
	return vk.PipelineBindPointGraphics
}

func (b *Backend) CreatePipeline(desc *gpu.PipelineDesc) (any, error) {
	b.log.Debug("pipeline recorded", "name", desc.Name, "technique", desc.Technique, "kind", desc.Kind, "shader", desc.Shader)
	return &VulkanPipeline{
		Desc:      *desc,
		Handle:    vk.NullPipeline,
		BindPoint: bindPoint(desc.Kind),
	}, nil
}

func (b *Backend) DestroyPipeline(native any) {
	p, ok := native.(*VulkanPipeline)
	if !ok || p.Handle == vk.NullPipeline {
		return
	}
	// technique reloads destroy pipelines that in-flight frames may still use
	_ = b.WaitIdle()
	vk.DestroyPipeline(b.device(), p.Handle, b.context.Allocator)
	p.Handle = vk.NullPipeline
}

func (b *Backend) CreateDescriptorSet(desc *gpu.DescriptorSetDesc, table *gpu.ResourceTable) (any, error) {
	set := &VulkanDescriptorSet{Desc: *desc}
	if desc.Pipeline.IsValid() {
		p, err := table.Pipeline(desc.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("descriptor set %q: %w", desc.Name, err)
		}
		set.Pipeline, _ = p.Native.(*VulkanPipeline)
	}
	for _, binding := range desc.Bindings {
		if binding.Texture.IsValid() {
			if _, err := table.Texture(binding.Texture); err != nil {
				return nil, fmt.Errorf("descriptor set %q binding %d: %w", desc.Name, binding.Slot, err)
			}
		}
		if binding.Buffer.IsValid() {
			if _, err := table.Buffer(binding.Buffer); err != nil {
				return nil, fmt.Errorf("descriptor set %q binding %d: %w", desc.Name, binding.Slot, err)
			}
		}
	}
	return set, nil
}

func (b *Backend) DestroyDescriptorSet(native any) {}
