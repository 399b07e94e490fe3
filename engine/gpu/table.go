package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/core"
)

var (
	ErrUploadPending = fmt.Errorf("upload pending: %w", core.ErrResourceBusy)
	ErrNotMappable   = fmt.Errorf("buffer is not CPU visible: %w", core.ErrConfiguration)
)

type Buffer struct {
	Handle BufferHandle
	Desc   BufferDesc
	Native any
	// Ready means the contents are valid, not merely allocated.
	Ready         bool
	UploadPending bool
}

type Texture struct {
	Handle        TextureHandle
	Desc          TextureDesc
	Native        any
	Ready         bool
	UploadPending bool
}

type Pipeline struct {
	Handle PipelineHandle
	Desc   PipelineDesc
	Native any
}

type DescriptorSet struct {
	Handle DescriptorSetHandle
	Desc   DescriptorSetDesc
	Native any
}

type RenderPass struct {
	Handle RenderPassHandle
	Desc   RenderPassDesc
	Native any
}

type Framebuffer struct {
	Handle FramebufferHandle
	Desc   FramebufferDesc
	Native any
}

type TableConfig struct {
	MaxBuffers        int
	MaxTextures       int
	MaxPipelines      int
	MaxDescriptorSets int
	MaxRenderPasses   int
	MaxFramebuffers   int
}

func DefaultTableConfig() TableConfig {
	return TableConfig{
		MaxBuffers:        256,
		MaxTextures:       256,
		MaxPipelines:      64,
		MaxDescriptorSets: 128,
		MaxRenderPasses:   32,
		MaxFramebuffers:   96,
	}
}

type TableStats struct {
	Buffers        int `json:"buffers"`
	Textures       int `json:"textures"`
	Pipelines      int `json:"pipelines"`
	DescriptorSets int `json:"descriptor_sets"`
	RenderPasses   int `json:"render_passes"`
	Framebuffers   int `json:"framebuffers"`
}

// ResourceTable owns every live GPU resource, addressed by generational
// handles. Safe for concurrent use: the render thread and loader threads
// both resolve handles through it.
type ResourceTable struct {
	backend Backend

	mu             sync.RWMutex
	buffers        *containers.Pool[Buffer]
	textures       *containers.Pool[Texture]
	pipelines      *containers.Pool[Pipeline]
	descriptorSets *containers.Pool[DescriptorSet]
	renderPasses   *containers.Pool[RenderPass]
	framebuffers   *containers.Pool[Framebuffer]
}

func NewResourceTable(cfg TableConfig, backend Backend) *ResourceTable {
	return &ResourceTable{
		backend:        backend,
		buffers:        containers.NewPool[Buffer](cfg.MaxBuffers),
		textures:       containers.NewPool[Texture](cfg.MaxTextures),
		pipelines:      containers.NewPool[Pipeline](cfg.MaxPipelines),
		descriptorSets: containers.NewPool[DescriptorSet](cfg.MaxDescriptorSets),
		renderPasses:   containers.NewPool[RenderPass](cfg.MaxRenderPasses),
		framebuffers:   containers.NewPool[Framebuffer](cfg.MaxFramebuffers),
	}
}

func (t *ResourceTable) Backend() Backend {
	return t.backend
}

func invalid(kind string, h containers.Handle) error {
	return fmt.Errorf("%s %s: %w", kind, h, core.ErrInvalidHandle)
}

func (t *ResourceTable) CreateBuffer(desc BufferDesc) (BufferHandle, error) {
	if desc.Size == 0 {
		return BufferHandle{}, fmt.Errorf("buffer %q has zero size: %w", desc.Name, core.ErrConfiguration)
	}
	native, err := t.backend.CreateBuffer(&desc)
	if err != nil {
		return BufferHandle{}, fmt.Errorf("create buffer %q: %w", desc.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	h, b, err := t.buffers.Allocate()
	if err != nil {
		t.backend.DestroyBuffer(native)
		return BufferHandle{}, fmt.Errorf("create buffer %q: %w", desc.Name, err)
	}
	*b = Buffer{Handle: BufferHandle{h}, Desc: desc, Native: native, Ready: !desc.Streamed}
	return BufferHandle{h}, nil
}

func (t *ResourceTable) Buffer(h BufferHandle) (Buffer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buffers.Get(h.Handle)
	if !ok {
		return Buffer{}, invalid("buffer", h.Handle)
	}
	return *b, nil
}

func (t *ResourceTable) MapBuffer(h BufferHandle) ([]byte, error) {
	b, err := t.Buffer(h)
	if err != nil {
		return nil, err
	}
	if !b.Desc.Memory.CPUVisible() {
		return nil, fmt.Errorf("map %q: %w", b.Desc.Name, ErrNotMappable)
	}
	return t.backend.MapBuffer(b.Native)
}

// DestroyBuffer fails with core.ErrResourceBusy while an upload targets the buffer.
func (t *ResourceTable) DestroyBuffer(h BufferHandle) error {
	t.mu.Lock()
	b, ok := t.buffers.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("buffer", h.Handle)
	}
	if b.UploadPending {
		t.mu.Unlock()
		return fmt.Errorf("destroy buffer %q: %w", b.Desc.Name, ErrUploadPending)
	}
	native := b.Native
	_ = t.buffers.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyBuffer(native)
	return nil
}

func (t *ResourceTable) CreateTexture(desc TextureDesc) (TextureHandle, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return TextureHandle{}, fmt.Errorf("texture %q has zero extent: %w", desc.Name, core.ErrConfiguration)
	}
	if desc.Format == FormatUndefined {
		return TextureHandle{}, fmt.Errorf("texture %q has no format: %w", desc.Name, core.ErrConfiguration)
	}
	native, err := t.backend.CreateTexture(&desc)
	if err != nil {
		return TextureHandle{}, fmt.Errorf("create texture %q: %w", desc.Name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	h, tex, err := t.textures.Allocate()
	if err != nil {
		t.backend.DestroyTexture(native)
		return TextureHandle{}, fmt.Errorf("create texture %q: %w", desc.Name, err)
	}
	*tex = Texture{Handle: TextureHandle{h}, Desc: desc, Native: native, Ready: !desc.Streamed}
	return TextureHandle{h}, nil
}

func (t *ResourceTable) Texture(h TextureHandle) (Texture, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tex, ok := t.textures.Get(h.Handle)
	if !ok {
		return Texture{}, invalid("texture", h.Handle)
	}
	return *tex, nil
}

// DestroyTexture fails with core.ErrResourceBusy while an upload targets the texture.
func (t *ResourceTable) DestroyTexture(h TextureHandle) error {
	t.mu.Lock()
	tex, ok := t.textures.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("texture", h.Handle)
	}
	if tex.UploadPending {
		t.mu.Unlock()
		return fmt.Errorf("destroy texture %q: %w", tex.Desc.Name, ErrUploadPending)
	}
	native := tex.Native
	_ = t.textures.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyTexture(native)
	return nil
}

func (t *ResourceTable) IsTextureReady(h TextureHandle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tex, ok := t.textures.Get(h.Handle)
	return ok && tex.Ready
}

func (t *ResourceTable) IsBufferReady(h BufferHandle) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buffers.Get(h.Handle)
	return ok && b.Ready
}

// BeginTextureUpload marks the texture as the destination of an upload:
// not ready, and not destroyable until EndTextureUpload.
func (t *ResourceTable) BeginTextureUpload(h TextureHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tex, ok := t.textures.Get(h.Handle)
	if !ok {
		return invalid("texture", h.Handle)
	}
	if tex.UploadPending {
		return fmt.Errorf("texture %q: %w", tex.Desc.Name, ErrUploadPending)
	}
	tex.UploadPending = true
	tex.Ready = false
	return nil
}

// EndTextureUpload clears the pending flag. ok marks the contents valid.
func (t *ResourceTable) EndTextureUpload(h TextureHandle, ok bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tex, found := t.textures.Get(h.Handle)
	if !found {
		return invalid("texture", h.Handle)
	}
	tex.UploadPending = false
	tex.Ready = ok
	return nil
}

func (t *ResourceTable) BeginBufferUpload(h BufferHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buffers.Get(h.Handle)
	if !ok {
		return invalid("buffer", h.Handle)
	}
	if b.UploadPending {
		return fmt.Errorf("buffer %q: %w", b.Desc.Name, ErrUploadPending)
	}
	b.UploadPending = true
	b.Ready = false
	return nil
}

func (t *ResourceTable) EndBufferUpload(h BufferHandle, ok bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, found := t.buffers.Get(h.Handle)
	if !found {
		return invalid("buffer", h.Handle)
	}
	b.UploadPending = false
	b.Ready = ok
	return nil
}

func (t *ResourceTable) CreatePipeline(desc PipelineDesc) (PipelineHandle, error) {
	native, err := t.backend.CreatePipeline(&desc)
	if err != nil {
		return PipelineHandle{}, fmt.Errorf("create pipeline %q: %w", desc.Name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, p, err := t.pipelines.Allocate()
	if err != nil {
		t.backend.DestroyPipeline(native)
		return PipelineHandle{}, fmt.Errorf("create pipeline %q: %w", desc.Name, err)
	}
	*p = Pipeline{Handle: PipelineHandle{h}, Desc: desc, Native: native}
	return PipelineHandle{h}, nil
}

func (t *ResourceTable) Pipeline(h PipelineHandle) (Pipeline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pipelines.Get(h.Handle)
	if !ok {
		return Pipeline{}, invalid("pipeline", h.Handle)
	}
	return *p, nil
}

func (t *ResourceTable) DestroyPipeline(h PipelineHandle) error {
	t.mu.Lock()
	p, ok := t.pipelines.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("pipeline", h.Handle)
	}
	native := p.Native
	_ = t.pipelines.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyPipeline(native)
	return nil
}

func (t *ResourceTable) CreateDescriptorSet(desc DescriptorSetDesc) (DescriptorSetHandle, error) {
	native, err := t.backend.CreateDescriptorSet(&desc, t)
	if err != nil {
		return DescriptorSetHandle{}, fmt.Errorf("create descriptor set %q: %w", desc.Name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, s, err := t.descriptorSets.Allocate()
	if err != nil {
		t.backend.DestroyDescriptorSet(native)
		return DescriptorSetHandle{}, fmt.Errorf("create descriptor set %q: %w", desc.Name, err)
	}
	*s = DescriptorSet{Handle: DescriptorSetHandle{h}, Desc: desc, Native: native}
	return DescriptorSetHandle{h}, nil
}

func (t *ResourceTable) DescriptorSet(h DescriptorSetHandle) (DescriptorSet, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.descriptorSets.Get(h.Handle)
	if !ok {
		return DescriptorSet{}, invalid("descriptor set", h.Handle)
	}
	return *s, nil
}

func (t *ResourceTable) DestroyDescriptorSet(h DescriptorSetHandle) error {
	t.mu.Lock()
	s, ok := t.descriptorSets.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("descriptor set", h.Handle)
	}
	native := s.Native
	_ = t.descriptorSets.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyDescriptorSet(native)
	return nil
}

func (t *ResourceTable) CreateRenderPass(desc RenderPassDesc) (RenderPassHandle, error) {
	native, err := t.backend.CreateRenderPass(&desc)
	if err != nil {
		return RenderPassHandle{}, fmt.Errorf("create render pass %q: %w", desc.Name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, rp, err := t.renderPasses.Allocate()
	if err != nil {
		t.backend.DestroyRenderPass(native)
		return RenderPassHandle{}, fmt.Errorf("create render pass %q: %w", desc.Name, err)
	}
	*rp = RenderPass{Handle: RenderPassHandle{h}, Desc: desc, Native: native}
	return RenderPassHandle{h}, nil
}

func (t *ResourceTable) RenderPass(h RenderPassHandle) (RenderPass, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rp, ok := t.renderPasses.Get(h.Handle)
	if !ok {
		return RenderPass{}, invalid("render pass", h.Handle)
	}
	return *rp, nil
}

func (t *ResourceTable) DestroyRenderPass(h RenderPassHandle) error {
	t.mu.Lock()
	rp, ok := t.renderPasses.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("render pass", h.Handle)
	}
	native := rp.Native
	_ = t.renderPasses.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyRenderPass(native)
	return nil
}

func (t *ResourceTable) CreateFramebuffer(desc FramebufferDesc) (FramebufferHandle, error) {
	native, err := t.backend.CreateFramebuffer(&desc, t)
	if err != nil {
		return FramebufferHandle{}, fmt.Errorf("create framebuffer %q: %w", desc.Name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, fb, err := t.framebuffers.Allocate()
	if err != nil {
		t.backend.DestroyFramebuffer(native)
		return FramebufferHandle{}, fmt.Errorf("create framebuffer %q: %w", desc.Name, err)
	}
	*fb = Framebuffer{Handle: FramebufferHandle{h}, Desc: desc, Native: native}
	return FramebufferHandle{h}, nil
}

func (t *ResourceTable) Framebuffer(h FramebufferHandle) (Framebuffer, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fb, ok := t.framebuffers.Get(h.Handle)
	if !ok {
		return Framebuffer{}, invalid("framebuffer", h.Handle)
	}
	return *fb, nil
}

func (t *ResourceTable) DestroyFramebuffer(h FramebufferHandle) error {
	t.mu.Lock()
	fb, ok := t.framebuffers.Get(h.Handle)
	if !ok {
		t.mu.Unlock()
		return invalid("framebuffer", h.Handle)
	}
	native := fb.Native
	_ = t.framebuffers.Release(h.Handle)
	t.mu.Unlock()

	t.backend.DestroyFramebuffer(native)
	return nil
}

func (t *ResourceTable) Stats() TableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TableStats{
		Buffers:        t.buffers.Len(),
		Textures:       t.textures.Len(),
		Pipelines:      t.pipelines.Len(),
		DescriptorSets: t.descriptorSets.Len(),
		RenderPasses:   t.renderPasses.Len(),
		Framebuffers:   t.framebuffers.Len(),
	}
}

// Shutdown destroys whatever is still alive, dependents first. Pending
// uploads are ignored; the backend must be idle.
func (t *ResourceTable) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	leaked := 0
	t.framebuffers.Each(func(h containers.Handle, fb *Framebuffer) bool {
		t.backend.DestroyFramebuffer(fb.Native)
		errs = append(errs, t.framebuffers.Release(h))
		leaked++
		return true
	})
	t.renderPasses.Each(func(h containers.Handle, rp *RenderPass) bool {
		t.backend.DestroyRenderPass(rp.Native)
		errs = append(errs, t.renderPasses.Release(h))
		leaked++
		return true
	})
	t.descriptorSets.Each(func(h containers.Handle, s *DescriptorSet) bool {
		t.backend.DestroyDescriptorSet(s.Native)
		errs = append(errs, t.descriptorSets.Release(h))
		leaked++
		return true
	})
	t.pipelines.Each(func(h containers.Handle, p *Pipeline) bool {
		t.backend.DestroyPipeline(p.Native)
		errs = append(errs, t.pipelines.Release(h))
		leaked++
		return true
	})
	t.textures.Each(func(h containers.Handle, tex *Texture) bool {
		t.backend.DestroyTexture(tex.Native)
		errs = append(errs, t.textures.Release(h))
		leaked++
		return true
	})
	t.buffers.Each(func(h containers.Handle, b *Buffer) bool {
		t.backend.DestroyBuffer(b.Native)
		errs = append(errs, t.buffers.Release(h))
		leaked++
		return true
	})
	if leaked > 0 {
		core.LogDebug("resource table released %d resources still alive at shutdown", leaked)
	}
	return errors.Join(errs...)
}
