package rendergraph

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type BuildConfig struct {
	ImageCount int
	Width      uint32
	Height     uint32
}

// Builder creates the GPU objects behind a compiled graph and binds passes
// to its nodes.
type Builder struct {
	graph    *Graph
	registry *PassRegistry
	services Services

	cfg   BuildConfig
	built bool

	passesDestroyed bool
}

func NewBuilder(g *Graph, registry *PassRegistry, services Services) *Builder {
	return &Builder{graph: g, registry: registry, services: services}
}

func (b *Builder) Graph() *Graph {
	return b.graph
}

func (b *Builder) Table() *gpu.ResourceTable {
	return b.services.Table
}

func (b *Builder) Config() BuildConfig {
	return b.cfg
}

func (b *Builder) initContext(n *Node) InitContext {
	return InitContext{
		Services:   b.services,
		Graph:      b.graph,
		Node:       n,
		ImageCount: b.cfg.ImageCount,
		Width:      b.cfg.Width,
		Height:     b.cfg.Height,
	}
}

// Build creates resources, render passes and framebuffers, then creates
// and initializes every pass. External resources must be registered first.
func (b *Builder) Build(cfg BuildConfig) error {
	if !b.graph.IsCompiled() {
		return fmt.Errorf("graph %q is not compiled: %w", b.graph.Name, core.ErrConfiguration)
	}
	if b.services.Table == nil {
		return fmt.Errorf("builder needs a resource table: %w", core.ErrConfiguration)
	}
	if cfg.ImageCount < 1 {
		cfg.ImageCount = 1
	}
	b.cfg = cfg

	for _, r := range b.graph.Resources() {
		if r.External && r.Instances() == 0 {
			return fmt.Errorf("external resource %q was never registered: %w", r.Name, core.ErrConfiguration)
		}
	}
	for _, r := range b.graph.Resources() {
		if err := b.createResource(r); err != nil {
			b.Teardown()
			return err
		}
	}
	for _, n := range b.graph.Nodes() {
		if err := b.createRenderPass(n); err != nil {
			b.Teardown()
			return err
		}
		if err := b.createFramebuffers(n); err != nil {
			b.Teardown()
			return err
		}
	}
	for _, n := range b.graph.Nodes() {
		pass, err := b.registry.create(n)
		if err != nil {
			b.Teardown()
			return err
		}
		n.Pass = pass
		if init, ok := pass.(Initializer); ok {
			ctx := b.initContext(n)
			if err := init.Init(&ctx); err != nil {
				b.Teardown()
				return fmt.Errorf("init pass %q: %w", n.Name, err)
			}
		}
	}
	b.built = true
	b.passesDestroyed = false
	core.LogInfo("render graph %q built: %d passes, %d resources, %d images", b.graph.Name, len(b.graph.Nodes()), len(b.graph.Resources()), cfg.ImageCount)
	return nil
}

func (b *Builder) instanceCount(r *Resource) int {
	if r.PerFrame {
		return b.cfg.ImageCount
	}
	return 1
}

func (b *Builder) extent(r *Resource) (uint32, uint32) {
	if r.FollowsSwapchain() {
		return b.cfg.Width, b.cfg.Height
	}
	return r.Resolution[0], r.Resolution[1]
}

func (b *Builder) createResource(r *Resource) error {
	// references and purely external resources own nothing
	if r.External || !r.Producer.IsValid() {
		return nil
	}
	table := b.services.Table
	count := b.instanceCount(r)

	if r.IsTexture() {
		w, h := b.extent(r)
		usage := gpu.TextureUsageSampled
		switch {
		case r.Type == ResourceAttachment && r.Format.IsDepth():
			usage |= gpu.TextureUsageDepthStencil
		case r.Type == ResourceAttachment:
			usage |= gpu.TextureUsageRenderTarget
		default:
			usage |= gpu.TextureUsageStorage
		}
		r.textures = r.textures[:0]
		for i := range count {
			name := r.Name
			if count > 1 {
				name = fmt.Sprintf("%s[%d]", r.Name, i)
			}
			th, err := table.CreateTexture(gpu.TextureDesc{Name: name, Width: w, Height: h, Format: r.Format, Usage: usage})
			if err != nil {
				return fmt.Errorf("create texture %q: %w", name, err)
			}
			r.textures = append(r.textures, th)
		}
		return nil
	}

	r.buffers = r.buffers[:0]
	for i := range count {
		name := r.Name
		if count > 1 {
			name = fmt.Sprintf("%s[%d]", r.Name, i)
		}
		bh, err := table.CreateBuffer(gpu.BufferDesc{Name: name, Size: r.Size, Usage: r.Usage, Memory: r.Memory})
		if err != nil {
			return fmt.Errorf("create buffer %q: %w", name, err)
		}
		r.buffers = append(r.buffers, bh)
	}
	return nil
}

// attachments returns the attachment resources a node renders into:
// outputs first, then references, each in declaration order.
func (b *Builder) attachments(n *Node) (color []*Resource, depth *Resource) {
	add := func(rh ResourceHandle) {
		r, ok := b.graph.Resource(rh)
		if !ok || r.Type != ResourceAttachment {
			return
		}
		if r.Format.IsDepth() {
			depth = r
			return
		}
		color = append(color, r)
	}
	for _, rh := range n.Outputs {
		if !containsHandle(n.References, rh) {
			add(rh)
		}
	}
	for _, rh := range n.References {
		add(rh)
	}
	return color, depth
}

func containsHandle(list []ResourceHandle, h ResourceHandle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func (b *Builder) loadOp(n *Node, r *Resource) gpu.LoadOp {
	// a referenced attachment keeps what its producer wrote
	if containsHandle(n.References, r.Handle) {
		return gpu.LoadOpLoad
	}
	return r.LoadOp
}

func (b *Builder) createRenderPass(n *Node) error {
	color, depth := b.attachments(n)
	if len(color) == 0 && depth == nil {
		return nil
	}
	desc := gpu.RenderPassDesc{Name: n.Name}
	for _, r := range color {
		desc.Color = append(desc.Color, gpu.AttachmentDesc{Format: r.Format, LoadOp: b.loadOp(n, r)})
	}
	if depth != nil {
		desc.Depth = gpu.AttachmentDesc{Format: depth.Format, LoadOp: b.loadOp(n, depth)}
	}
	rp, err := b.services.Table.CreateRenderPass(desc)
	if err != nil {
		return fmt.Errorf("create render pass %q: %w", n.Name, err)
	}
	n.RenderPass = rp
	return nil
}

func (b *Builder) createFramebuffers(n *Node) error {
	if !n.HasRenderPass() {
		return nil
	}
	color, depth := b.attachments(n)
	var w, h uint32
	if len(color) > 0 {
		w, h = b.extent(color[0])
	} else {
		w, h = b.extent(depth)
	}

	n.Framebuffers = n.Framebuffers[:0]
	for i := range b.cfg.ImageCount {
		desc := gpu.FramebufferDesc{
			Name:       fmt.Sprintf("%s[%d]", n.Name, i),
			RenderPass: n.RenderPass,
			Width:      w,
			Height:     h,
		}
		for _, r := range color {
			desc.Color = append(desc.Color, r.Texture(i))
		}
		if depth != nil {
			desc.Depth = depth.Texture(i)
		}
		fb, err := b.services.Table.CreateFramebuffer(desc)
		if err != nil {
			return fmt.Errorf("create framebuffer %q: %w", desc.Name, err)
		}
		n.Framebuffers = append(n.Framebuffers, fb)
	}
	return nil
}

// Resize recreates every swapchain-sized resource and all framebuffers.
// External swapchain images must be registered again before calling it.
func (b *Builder) Resize(width, height uint32) error {
	if !b.built {
		return fmt.Errorf("resize before build: %w", core.ErrConfiguration)
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("resize to %dx%d: %w", width, height, core.ErrConfiguration)
	}
	b.cfg.Width, b.cfg.Height = width, height

	var errs []error
	for _, n := range b.graph.Nodes() {
		errs = append(errs, b.destroyFramebuffers(n))
	}
	for _, r := range b.graph.Resources() {
		if !r.FollowsSwapchain() || r.External || !r.Producer.IsValid() {
			continue
		}
		errs = append(errs, b.destroyResource(r))
		if err := b.createResource(r); err != nil {
			return err
		}
	}
	for _, n := range b.graph.Nodes() {
		if err := b.createFramebuffers(n); err != nil {
			return err
		}
	}
	core.LogDebug("render graph %q resized to %dx%d", b.graph.Name, width, height)
	return errors.Join(errs...)
}

func (b *Builder) destroyFramebuffers(n *Node) error {
	var errs []error
	for _, fb := range n.Framebuffers {
		errs = append(errs, b.services.Table.DestroyFramebuffer(fb))
	}
	n.Framebuffers = n.Framebuffers[:0]
	return errors.Join(errs...)
}

func (b *Builder) destroyResource(r *Resource) error {
	var errs []error
	for _, h := range r.textures {
		errs = append(errs, b.services.Table.DestroyTexture(h))
	}
	for _, h := range r.buffers {
		errs = append(errs, b.services.Table.DestroyBuffer(h))
	}
	r.textures = r.textures[:0]
	r.buffers = r.buffers[:0]
	return errors.Join(errs...)
}

// DestroyPasses calls Destroy on every pass that implements it, once.
func (b *Builder) DestroyPasses() {
	if b.passesDestroyed {
		return
	}
	b.passesDestroyed = true
	for _, n := range b.graph.Nodes() {
		if d, ok := n.Pass.(Destroyer); ok {
			ctx := b.initContext(n)
			d.Destroy(&ctx)
		}
		n.Pass = nil
	}
}

// Teardown destroys the passes and everything Build created. External
// resources are left to their owners.
func (b *Builder) Teardown() error {
	b.DestroyPasses()

	var errs []error
	for _, n := range b.graph.Nodes() {
		errs = append(errs, b.destroyFramebuffers(n))
		if n.RenderPass.IsValid() {
			errs = append(errs, b.services.Table.DestroyRenderPass(n.RenderPass))
			n.RenderPass = gpu.RenderPassHandle{}
		}
	}
	for _, r := range b.graph.Resources() {
		if r.External || !r.Producer.IsValid() {
			continue
		}
		errs = append(errs, b.destroyResource(r))
	}
	b.built = false
	if err := errors.Join(errs...); err != nil {
		core.LogWarn("render graph %q teardown: %v", b.graph.Name, err)
		return err
	}
	return nil
}
