package rendergraph

import (
	"strings"
	"sync/atomic"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type NodeHandle struct{ containers.Handle }
type ResourceHandle struct{ containers.Handle }

type ResourceType uint8

const (
	ResourceBuffer ResourceType = iota
	ResourceTexture
	ResourceAttachment
	ResourceReference
)

var resourceTypeNames = [...]string{
	ResourceBuffer:     "buffer",
	ResourceTexture:    "texture",
	ResourceAttachment: "attachment",
	ResourceReference:  "reference",
}

func ParseResourceType(name string) (ResourceType, bool) {
	for t, n := range resourceTypeNames {
		if strings.EqualFold(name, n) {
			return ResourceType(t), true
		}
	}
	return ResourceBuffer, false
}

func (t ResourceType) String() string {
	if int(t) < len(resourceTypeNames) {
		return resourceTypeNames[t]
	}
	return "unknown"
}

// Resource is a named buffer or image flowing between passes.
type Resource struct {
	Handle ResourceHandle
	Name   string
	Type   ResourceType
	// External resources are registered from outside the graph and never created by it.
	External bool
	Index    int

	Format gpu.Format
	LoadOp gpu.LoadOp
	// Resolution of {0, 0} follows the swapchain extent.
	Resolution [2]uint32

	Size   uint64
	Usage  gpu.BufferUsage
	Memory gpu.MemoryType

	// PerFrame resources get one instance per swapchain image.
	PerFrame bool

	// Producer is invalid for resources that only come from outside the graph.
	Producer  NodeHandle
	Writers   []NodeHandle
	Consumers []NodeHandle

	textures []gpu.TextureHandle
	buffers  []gpu.BufferHandle

	refCount    atomic.Int32
	releases    atomic.Uint64
	releasedFor atomic.Uint64
}

func (r *Resource) IsTexture() bool {
	return r.Type == ResourceTexture || r.Type == ResourceAttachment
}

// FollowsSwapchain reports whether the resource is sized from the swapchain.
func (r *Resource) FollowsSwapchain() bool {
	return r.IsTexture() && r.Resolution == [2]uint32{}
}

// RefCount is the number of consumers still pending in the current frame.
func (r *Resource) RefCount() int32 {
	return r.refCount.Load()
}

// Releases counts how many times the ref count reached zero.
func (r *Resource) Releases() uint64 {
	return r.releases.Load()
}

// ReleasedIn reports whether the resource was released during frame.
func (r *Resource) ReleasedIn(frame uint64) bool {
	return r.releasedFor.Load() == frame+1
}

// Texture returns the instance used by swapchain slot frame.
func (r *Resource) Texture(frame int) gpu.TextureHandle {
	if len(r.textures) == 0 {
		return gpu.TextureHandle{}
	}
	return r.textures[frame%len(r.textures)]
}

func (r *Resource) Buffer(frame int) gpu.BufferHandle {
	if len(r.buffers) == 0 {
		return gpu.BufferHandle{}
	}
	return r.buffers[frame%len(r.buffers)]
}

// Instances is the number of backing objects currently bound.
func (r *Resource) Instances() int {
	if r.IsTexture() {
		return len(r.textures)
	}
	return len(r.buffers)
}

// Node is one pass of the graph.
type Node struct {
	Handle NodeHandle
	Name   string
	// Index is the declaration order, used as the tie-break between independent passes.
	Index int

	Inputs     []ResourceHandle
	Outputs    []ResourceHandle
	References []ResourceHandle
	// Edges are the nodes that must execute first.
	Edges []NodeHandle
	Level int

	RenderPass   gpu.RenderPassHandle
	Framebuffers []gpu.FramebufferHandle

	Pass Pass

	enabled atomic.Bool
}

func (n *Node) Enabled() bool {
	return n.enabled.Load()
}

func (n *Node) SetEnabled(enabled bool) {
	n.enabled.Store(enabled)
}

// Framebuffer returns the framebuffer for swapchain slot frame.
func (n *Node) Framebuffer(frame int) gpu.FramebufferHandle {
	if len(n.Framebuffers) == 0 {
		return gpu.FramebufferHandle{}
	}
	return n.Framebuffers[frame%len(n.Framebuffers)]
}

func (n *Node) HasRenderPass() bool {
	return n.RenderPass.IsValid()
}
