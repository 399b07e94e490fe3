package passes

import (
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

// Compose draws a fullscreen triangle blending the lit image over the
// streamed sky texture into the final target.
type Compose struct {
	base
	sets descriptorSets
}

func (p *Compose) Init(ctx *rendergraph.InitContext) error {
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

func (p *Compose) build(ctx *rendergraph.InitContext, frame int) error {
	lit, err := ctx.Texture(ResLit, frame)
	if err != nil {
		return err
	}
	sky, err := ctx.Texture(ResSky, frame)
	if err != nil {
		return err
	}
	return p.sets.rebuild(ctx.Table, frame, gpu.DescriptorSetDesc{
		Name:     p.node,
		Pipeline: p.pipeline(frame),
		Bindings: []gpu.Binding{{Slot: 0, Texture: lit}, {Slot: 1, Texture: sky}},
	})
}

func (p *Compose) OnTechniquesReloaded(ctx *rendergraph.ReloadContext) error {
	if err := p.reload(ctx); err != nil {
		return err
	}
	return p.build(&ctx.InitContext, ctx.Frame)
}

func (p *Compose) OnResize(ctx *rendergraph.ResizeContext) error {
	for i := range ctx.ImageCount {
		if err := p.build(&ctx.InitContext, i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Compose) Destroy(ctx *rendergraph.InitContext) {
	p.sets.destroy(ctx.Table)
}

func (p *Compose) PreRender(ctx *rendergraph.RenderContext) error {
	final, err := ctx.Texture(ResFinal)
	if err != nil {
		return err
	}
	ctx.Barrier(gpu.TextureBarrier(final, gpu.StateUndefined, gpu.StateRenderTarget))
	return nil
}

func (p *Compose) Render(ctx *rendergraph.RenderContext) error {
	if err := ctx.BeginRenderPass(gpu.ClearValues{}); err != nil {
		return err
	}
	defer ctx.Commands.EndRenderPass()

	if err := p.bind(ctx); err != nil {
		return err
	}
	if err := ctx.Commands.BindDescriptorSet(p.sets.get(ctx.Frame)); err != nil {
		return err
	}
	ctx.Commands.Draw(3, 1)
	return nil
}

// PostRender hands the final image to presentation.
func (p *Compose) PostRender(ctx *rendergraph.RenderContext) error {
	final, err := ctx.Texture(ResFinal)
	if err != nil {
		return err
	}
	ctx.Barrier(gpu.TextureBarrier(final, gpu.StateRenderTarget, gpu.StateCopySource))
	return nil
}
