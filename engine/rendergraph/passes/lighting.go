package passes

import (
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

const lightingGroupSize = 8

// Lighting is a compute pass resolving the gbuffer into the lit target.
type Lighting struct {
	base
	sets descriptorSets
}

func (p *Lighting) Init(ctx *rendergraph.InitContext) error {
	if err := p.init(ctx); err != nil {
		return err
	}
	p.sets.sets = rendergraph.NewPerFrame[gpu.DescriptorSetHandle](ctx.ImageCount)
	for i := range ctx.ImageCount {
		if err := p.build(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Lighting) build(ctx *rendergraph.InitContext, frame int) error {
	desc := gpu.DescriptorSetDesc{Name: p.node, Pipeline: p.pipeline(frame)}
	for slot, name := range []string{ResAlbedo, ResNormal, ResDepth, ResLit} {
		h, err := ctx.Texture(name, frame)
		if err != nil {
			return err
		}
		desc.Bindings = append(desc.Bindings, gpu.Binding{Slot: uint32(slot), Texture: h})
	}
	return p.sets.rebuild(ctx.Table, frame, desc)
}

func (p *Lighting) OnTechniquesReloaded(ctx *rendergraph.ReloadContext) error {
	if err := p.reload(ctx); err != nil {
		return err
	}
	return p.build(&ctx.InitContext, ctx.Frame)
}

func (p *Lighting) OnResize(ctx *rendergraph.ResizeContext) error {
	for i := range ctx.ImageCount {
		if err := p.build(&ctx.InitContext, i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Lighting) Destroy(ctx *rendergraph.InitContext) {
	p.sets.destroy(ctx.Table)
}

func (p *Lighting) PreRender(ctx *rendergraph.RenderContext) error {
	lit, err := ctx.Texture(ResLit)
	if err != nil {
		return err
	}
	ctx.Barrier(gpu.TextureBarrier(lit, gpu.StateUndefined, gpu.StateUnorderedAccess))
	return nil
}

func (p *Lighting) Render(ctx *rendergraph.RenderContext) error {
	if err := p.bind(ctx); err != nil {
		return err
	}
	if err := ctx.Commands.BindDescriptorSet(p.sets.get(ctx.Frame)); err != nil {
		return err
	}
	ctx.Commands.Dispatch((ctx.Width+lightingGroupSize-1)/lightingGroupSize, (ctx.Height+lightingGroupSize-1)/lightingGroupSize, 1)
	return nil
}

func (p *Lighting) PostRender(ctx *rendergraph.RenderContext) error {
	lit, err := ctx.Texture(ResLit)
	if err != nil {
		return err
	}
	ctx.Barrier(gpu.TextureBarrier(lit, gpu.StateUnorderedAccess, gpu.StateShaderResource))
	return nil
}
