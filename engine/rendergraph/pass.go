package rendergraph

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/tasks"
	"github.com/spaghettifunk/crude/engine/world"
)

// Pass records the GPU work of one node. The optional interfaces below
// add lifecycle hooks; the executor checks for them with type assertions.
type Pass interface {
	Render(ctx *RenderContext) error
}

// PreRenderer declares the barriers a pass needs before Render.
type PreRenderer interface {
	PreRender(ctx *RenderContext) error
}

// PostRenderer returns shared resources to a neutral state after Render.
type PostRenderer interface {
	PostRender(ctx *RenderContext) error
}

// TechniqueReloader re-fetches pipelines after a technique reload. It runs
// once per swapchain slot, after that slot's fence has signaled.
type TechniqueReloader interface {
	OnTechniquesReloaded(ctx *ReloadContext) error
}

type Resizer interface {
	OnResize(ctx *ResizeContext) error
}

type Initializer interface {
	Init(ctx *InitContext) error
}

type Destroyer interface {
	Destroy(ctx *InitContext)
}

// PipelineSource resolves (technique, pass) pairs to pipelines.
type PipelineSource interface {
	Pipeline(technique, pass string) (gpu.PipelineHandle, error)
}

// RetiringPipelineSource keeps replaced pipelines alive until the executor
// reports that no slot can still be recording or running with them.
type RetiringPipelineSource interface {
	PipelineSource
	Generation() uint64
	ReleaseRetired(applied uint64)
}

// Services are the collaborators passes may use. Any of them can be nil
// except Table.
type Services struct {
	Table      *gpu.ResourceTable
	Techniques PipelineSource
	Scene      *world.Scene
	Scheduler  *tasks.Scheduler
}

type InitContext struct {
	Services
	Graph      *Graph
	Node       *Node
	ImageCount int
	Width      uint32
	Height     uint32
}

// Texture resolves a resource name to its instance for swapchain slot frame.
func (c *InitContext) Texture(name string, frame int) (gpu.TextureHandle, error) {
	r, ok := c.Graph.ResourceByName(name)
	if !ok || !r.IsTexture() {
		return gpu.TextureHandle{}, fmt.Errorf("pass %q: no texture %q: %w", c.Node.Name, name, core.ErrConfiguration)
	}
	return r.Texture(frame), nil
}

func (c *InitContext) Buffer(name string, frame int) (gpu.BufferHandle, error) {
	r, ok := c.Graph.ResourceByName(name)
	if !ok || r.Type != ResourceBuffer {
		return gpu.BufferHandle{}, fmt.Errorf("pass %q: no buffer %q: %w", c.Node.Name, name, core.ErrConfiguration)
	}
	return r.Buffer(frame), nil
}

type ReloadContext struct {
	InitContext
	Frame int
}

type ResizeContext struct {
	InitContext
}

// RenderContext is handed to PreRender, Render and PostRender.
type RenderContext struct {
	InitContext
	// Frame is the swapchain slot, read once at the start of the frame.
	Frame int
	// Counter is the monotonically increasing frame number.
	Counter  uint64
	Commands gpu.CommandList
	Worker   int

	barriers []gpu.Barrier
}

// Texture resolves name for the current frame. A streamed texture that has
// not finished uploading is a *NotReadyError.
func (c *RenderContext) Texture(name string) (gpu.TextureHandle, error) {
	h, err := c.InitContext.Texture(name, c.Frame)
	if err != nil {
		return h, err
	}
	if !c.Table.IsTextureReady(h) {
		return h, &NotReadyError{Node: c.Node.Name, Resource: name}
	}
	return h, nil
}

func (c *RenderContext) Buffer(name string) (gpu.BufferHandle, error) {
	h, err := c.InitContext.Buffer(name, c.Frame)
	if err != nil {
		return h, err
	}
	if !c.Table.IsBufferReady(h) {
		return h, &NotReadyError{Node: c.Node.Name, Resource: name}
	}
	return h, nil
}

// Barrier records barriers. They are checked against the tracked states
// once the node is known to be submitted.
func (c *RenderContext) Barrier(barriers ...gpu.Barrier) {
	c.barriers = append(c.barriers, barriers...)
	c.Commands.Barrier(barriers...)
}

// BeginRenderPass starts the node's render pass on this frame's framebuffer.
func (c *RenderContext) BeginRenderPass(clear gpu.ClearValues) error {
	if !c.Node.HasRenderPass() {
		return fmt.Errorf("pass %q has no attachments: %w", c.Node.Name, core.ErrConfiguration)
	}
	return c.Commands.BeginRenderPass(c.Node.RenderPass, c.Node.Framebuffer(c.Frame), clear)
}

// PassFactory creates the pass bound to node.
type PassFactory func(node *Node) (Pass, error)

// PassRegistry maps node names to pass factories.
type PassRegistry struct {
	mu        sync.RWMutex
	factories map[string]PassFactory
}

func NewPassRegistry() *PassRegistry {
	return &PassRegistry{factories: make(map[string]PassFactory)}
}

func (r *PassRegistry) Register(name string, factory PassFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *PassRegistry) create(node *Node) (Pass, error) {
	r.mu.RLock()
	factory, ok := r.factories[node.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no pass registered for node %q: %w", node.Name, core.ErrConfiguration)
	}
	return factory(node)
}

// PerFrame holds one value per swapchain slot, for objects such as
// descriptor sets that must not change while a frame using them is in flight.
type PerFrame[T any] struct {
	items []T
}

func NewPerFrame[T any](imageCount int) *PerFrame[T] {
	return &PerFrame[T]{items: make([]T, imageCount)}
}

func (p *PerFrame[T]) Get(frame int) T {
	return p.items[frame%len(p.items)]
}

func (p *PerFrame[T]) Set(frame int, v T) {
	p.items[frame%len(p.items)] = v
}

func (p *PerFrame[T]) Len() int {
	return len(p.items)
}

func (p *PerFrame[T]) Each(fn func(frame int, v T)) {
	for i, v := range p.items {
		fn(i, v)
	}
}
