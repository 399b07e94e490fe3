package passes

import (
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/rendergraph"
)

// GBuffer rasterizes the visible instances into albedo, normal and depth
// with one indirect draw fed by Culling.
type GBuffer struct {
	base
}

func (p *GBuffer) Init(ctx *rendergraph.InitContext) error {
	return p.init(ctx)
}

func (p *GBuffer) OnTechniquesReloaded(ctx *rendergraph.ReloadContext) error {
	return p.reload(ctx)
}

func (p *GBuffer) targets(ctx *rendergraph.RenderContext) (albedo, normal, depth gpu.TextureHandle, err error) {
	if albedo, err = ctx.Texture(ResAlbedo); err != nil {
		return
	}
	if normal, err = ctx.Texture(ResNormal); err != nil {
		return
	}
	depth, err = ctx.Texture(ResDepth)
	return
}

func (p *GBuffer) PreRender(ctx *rendergraph.RenderContext) error {
	albedo, normal, depth, err := p.targets(ctx)
	if err != nil {
		return err
	}
	args, err := ctx.Buffer(ResIndirectArgs)
	if err != nil {
		return err
	}
	ctx.Barrier(
		gpu.TextureBarrier(albedo, gpu.StateUndefined, gpu.StateRenderTarget),
		gpu.TextureBarrier(normal, gpu.StateUndefined, gpu.StateRenderTarget),
		gpu.TextureBarrier(depth, gpu.StateUndefined, gpu.StateDepthWrite),
		gpu.BufferBarrier(args, gpu.StateUnorderedAccess, gpu.StateIndirectArgument),
	)
	return nil
}

func (p *GBuffer) Render(ctx *rendergraph.RenderContext) error {
	args, err := ctx.Buffer(ResIndirectArgs)
	if err != nil {
		return err
	}
	if err := ctx.BeginRenderPass(gpu.ClearValues{Depth: 1}); err != nil {
		return err
	}
	defer ctx.Commands.EndRenderPass()

	if err := p.bind(ctx); err != nil {
		return err
	}
	return ctx.Commands.DrawIndirect(args, 0, 1)
}

// PostRender leaves the targets readable by the lighting pass.
func (p *GBuffer) PostRender(ctx *rendergraph.RenderContext) error {
	albedo, normal, depth, err := p.targets(ctx)
	if err != nil {
		return err
	}
	ctx.Barrier(
		gpu.TextureBarrier(albedo, gpu.StateRenderTarget, gpu.StateShaderResource),
		gpu.TextureBarrier(normal, gpu.StateRenderTarget, gpu.StateShaderResource),
		gpu.TextureBarrier(depth, gpu.StateDepthWrite, gpu.StateDepthRead),
	)
	return nil
}
