package gpu

import (
	"strings"

	"github.com/spaghettifunk/crude/engine/containers"
)

type BufferHandle struct{ containers.Handle }
type TextureHandle struct{ containers.Handle }
type PipelineHandle struct{ containers.Handle }
type DescriptorSetHandle struct{ containers.Handle }
type RenderPassHandle struct{ containers.Handle }
type FramebufferHandle struct{ containers.Handle }

type QueueType uint8

const (
	QueueGraphics QueueType = iota
	QueueTransfer
)

func (q QueueType) String() string {
	if q == QueueTransfer {
		return "transfer"
	}
	return "graphics"
}

// ResourceState is the usage a resource is in between barriers.
type ResourceState uint8

const (
	StateUndefined ResourceState = iota
	StateCommon
	StateVertexAndConstantBuffer
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateNonPixelShaderResource
	StatePixelShaderResource
	StateShaderResource
	StateIndirectArgument
	StateCopyDest
	StateCopySource
	StateGenericRead
	StatePresent
)

var stateNames = [...]string{
	StateUndefined:               "undefined",
	StateCommon:                  "common",
	StateVertexAndConstantBuffer: "vertex_and_constant_buffer",
	StateIndexBuffer:             "index_buffer",
	StateRenderTarget:            "render_target",
	StateUnorderedAccess:         "unordered_access",
	StateDepthWrite:              "depth_write",
	StateDepthRead:               "depth_read",
	StateNonPixelShaderResource:  "non_pixel_shader_resource",
	StatePixelShaderResource:     "pixel_shader_resource",
	StateShaderResource:          "shader_resource",
	StateIndirectArgument:        "indirect_argument",
	StateCopyDest:                "copy_dest",
	StateCopySource:              "copy_source",
	StateGenericRead:             "generic_read",
	StatePresent:                 "present",
}

func (s ResourceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type LoadOp uint8

const (
	LoadOpClear LoadOp = iota
	LoadOpLoad
)

func (op LoadOp) String() string {
	if op == LoadOpLoad {
		return "load"
	}
	return "clear"
}

func ParseLoadOp(name string) (LoadOp, bool) {
	switch strings.ToLower(name) {
	case "clear", "":
		return LoadOpClear, true
	case "load":
		return LoadOpLoad, true
	}
	return LoadOpClear, false
}

type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndirect
	BufferUsageTransferSrc
	BufferUsageTransferDst
)

var bufferUsageNames = map[string]BufferUsage{
	"vertex":       BufferUsageVertex,
	"index":        BufferUsageIndex,
	"uniform":      BufferUsageUniform,
	"storage":      BufferUsageStorage,
	"indirect":     BufferUsageIndirect,
	"transfer_src": BufferUsageTransferSrc,
	"transfer_dst": BufferUsageTransferDst,
}

func ParseBufferUsage(name string) (BufferUsage, bool) {
	u, ok := bufferUsageNames[strings.ToLower(name)]
	return u, ok
}

func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

type MemoryType uint8

const (
	MemoryGPUOnly MemoryType = iota
	MemoryCPUToGPU
	MemoryGPUToCPU
)

// CPUVisible reports whether the buffer can be mapped.
func (m MemoryType) CPUVisible() bool {
	return m != MemoryGPUOnly
}

type TextureUsage uint32

const (
	TextureUsageSampled TextureUsage = 1 << iota
	TextureUsageRenderTarget
	TextureUsageDepthStencil
	TextureUsageStorage
	TextureUsageTransferDst
)

type PipelineKind uint8

const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
	PipelineRayTracing
)

func ParsePipelineKind(name string) (PipelineKind, bool) {
	switch strings.ToLower(name) {
	case "graphics", "":
		return PipelineGraphics, true
	case "compute":
		return PipelineCompute, true
	case "raytracing", "ray_tracing":
		return PipelineRayTracing, true
	}
	return PipelineGraphics, false
}

func (k PipelineKind) String() string {
	switch k {
	case PipelineCompute:
		return "compute"
	case PipelineRayTracing:
		return "raytracing"
	}
	return "graphics"
}

type BufferDesc struct {
	Name   string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryType
	// Streamed buffers start not ready; their contents arrive through an upload.
	Streamed bool
}

type TextureDesc struct {
	Name   string
	Width  uint32
	Height uint32
	Format Format
	Usage  TextureUsage
	// Streamed textures start not ready; their contents arrive through an upload.
	Streamed bool
}

// Size is the byte size of the base level.
func (d *TextureDesc) Size() uint64 {
	return uint64(d.Width) * uint64(d.Height) * uint64(d.Format.BytesPerPixel())
}

type PipelineDesc struct {
	Name      string
	Technique string
	Pass      string
	Kind      PipelineKind
	Shader    string
}

type Binding struct {
	Slot    uint32
	Texture TextureHandle
	Buffer  BufferHandle
}

type DescriptorSetDesc struct {
	Name     string
	Pipeline PipelineHandle
	Bindings []Binding
}

type AttachmentDesc struct {
	Format Format
	LoadOp LoadOp
}

type RenderPassDesc struct {
	Name  string
	Color []AttachmentDesc
	// Depth.Format is FormatUndefined when the pass has no depth attachment.
	Depth AttachmentDesc
}

func (d *RenderPassDesc) HasDepth() bool {
	return d.Depth.Format != FormatUndefined
}

type FramebufferDesc struct {
	Name       string
	RenderPass RenderPassHandle
	Color      []TextureHandle
	Depth      TextureHandle
	Width      uint32
	Height     uint32
}

type ClearValues struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// Barrier transitions one texture or buffer between states. Exactly one of
// Texture and Buffer is set.
type Barrier struct {
	Texture TextureHandle
	Buffer  BufferHandle
	From    ResourceState
	To      ResourceState
}

func TextureBarrier(h TextureHandle, from, to ResourceState) Barrier {
	return Barrier{Texture: h, From: from, To: to}
}

func BufferBarrier(h BufferHandle, from, to ResourceState) Barrier {
	return Barrier{Buffer: h, From: from, To: to}
}
