// Package passes holds the deferred pipeline plugged into the render graph:
// culling, gbuffer, lighting and compose.
package passes

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

// Resource names shared with assets/graphs/deferred.json.
const (
	ResIndirectArgs = "indirect_args"
	ResAlbedo       = "gbuffer_albedo"
	ResNormal       = "gbuffer_normal"
	ResDepth        = "depth"
	ResLit          = "lit"
	ResSky          = "sky"
	ResFinal        = "final"
)

const DefaultTechnique = "deferred"

type Options struct {
	// Technique holds one pipeline per pass, keyed by node name.
	Technique string
}

// Register installs factories for culling, gbuffer, lighting and compose.
func Register(r *rendergraph.PassRegistry, opts Options) {
	if opts.Technique == "" {
		opts.Technique = DefaultTechnique
	}
	r.Register("culling", func(n *rendergraph.Node) (rendergraph.Pass, error) {
		return &Culling{base: base{technique: opts.Technique, node: n.Name}}, nil
	})
	r.Register("gbuffer", func(n *rendergraph.Node) (rendergraph.Pass, error) {
		return &GBuffer{base: base{technique: opts.Technique, node: n.Name}}, nil
	})
	r.Register("lighting", func(n *rendergraph.Node) (rendergraph.Pass, error) {
		return &Lighting{base: base{technique: opts.Technique, node: n.Name}}, nil
	})
	r.Register("compose", func(n *rendergraph.Node) (rendergraph.Pass, error) {
		return &Compose{base: base{technique: opts.Technique, node: n.Name}}, nil
	})
}

// base tracks the pipeline of one pass per swapchain slot, so a reload
// never swaps a pipeline under a frame that is still in flight.
type base struct {
	technique string
	node      string
	pipelines *rendergraph.PerFrame[gpu.PipelineHandle]
}

func (b *base) init(ctx *rendergraph.InitContext) error {
	if ctx.Techniques == nil {
		return fmt.Errorf("pass %q needs techniques: %w", b.node, core.ErrConfiguration)
	}
	p, err := ctx.Techniques.Pipeline(b.technique, b.node)
	if err != nil {
		return err
	}
	b.pipelines = rendergraph.NewPerFrame[gpu.PipelineHandle](ctx.ImageCount)
	for i := range ctx.ImageCount {
		b.pipelines.Set(i, p)
	}
	return nil
}

func (b *base) reload(ctx *rendergraph.ReloadContext) error {
	p, err := ctx.Techniques.Pipeline(b.technique, b.node)
	if err != nil {
		return err
	}
	b.pipelines.Set(ctx.Frame, p)
	return nil
}

func (b *base) pipeline(frame int) gpu.PipelineHandle {
	return b.pipelines.Get(frame)
}

// bind binds the slot's pipeline. A pipeline that is already gone skips the
// pass for this frame; the slot picks up the replacement on its next reload.
func (b *base) bind(ctx *rendergraph.RenderContext) error {
	err := ctx.Commands.BindPipeline(b.pipeline(ctx.Frame))
	if errors.Is(err, core.ErrInvalidHandle) {
		return &rendergraph.NotReadyError{Node: b.node, Resource: "pipeline " + b.technique + "/" + b.node}
	}
	return err
}

// descriptorSets owns one descriptor set per swapchain slot.
type descriptorSets struct {
	sets *rendergraph.PerFrame[gpu.DescriptorSetHandle]
}

func (d *descriptorSets) rebuild(table *gpu.ResourceTable, frame int, desc gpu.DescriptorSetDesc) error {
	if d.sets == nil {
		return fmt.Errorf("descriptor sets used before init: %w", core.ErrConfiguration)
	}
	if old := d.sets.Get(frame); old.IsValid() {
		if err := table.DestroyDescriptorSet(old); err != nil {
			core.LogWarn("destroy descriptor set %q: %v", desc.Name, err)
		}
	}
	h, err := table.CreateDescriptorSet(desc)
	if err != nil {
		d.sets.Set(frame, gpu.DescriptorSetHandle{})
		return err
	}
	d.sets.Set(frame, h)
	return nil
}

func (d *descriptorSets) get(frame int) gpu.DescriptorSetHandle {
	return d.sets.Get(frame)
}

func (d *descriptorSets) destroy(table *gpu.ResourceTable) {
	if d.sets == nil {
		return
	}
	d.sets.Each(func(frame int, h gpu.DescriptorSetHandle) {
		if h.IsValid() {
			_ = table.DestroyDescriptorSet(h)
		}
		d.sets.Set(frame, gpu.DescriptorSetHandle{})
	})
}
