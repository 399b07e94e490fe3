package gpu

import (
	"time"
)

// Backend creates the native objects behind ResourceTable entries and
// executes command lists. Native objects are opaque to everything but the
// backend that made them.
type Backend interface {
	Name() string

	CreateBuffer(desc *BufferDesc) (any, error)
	DestroyBuffer(native any)
	// MapBuffer returns the persistent mapping of a CPU-visible buffer.
	MapBuffer(native any) ([]byte, error)

	CreateTexture(desc *TextureDesc) (any, error)
	DestroyTexture(native any)

	CreatePipeline(desc *PipelineDesc) (any, error)
	DestroyPipeline(native any)

	CreateDescriptorSet(desc *DescriptorSetDesc, table *ResourceTable) (any, error)
	DestroyDescriptorSet(native any)

	CreateRenderPass(desc *RenderPassDesc) (any, error)
	DestroyRenderPass(native any)

	CreateFramebuffer(desc *FramebufferDesc, table *ResourceTable) (any, error)
	DestroyFramebuffer(native any)

	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)

	// NewCommandList allocates a list for queue. Handles recorded into it are
	// resolved through table.
	NewCommandList(queue QueueType, table *ResourceTable) (CommandList, error)
	Submit(queue QueueType, info *SubmitInfo) error

	WaitIdle() error
	Shutdown() error
}

type Fence interface {
	// Wait blocks until the fence signals or timeout elapses (core.ErrTimeout).
	Wait(timeout time.Duration) error
	// Signaled polls without blocking.
	Signaled() bool
	Reset() error
	Destroy()
}

type Semaphore interface {
	Destroy()
}

type SubmitInfo struct {
	Lists  []CommandList
	Wait   []Semaphore
	Signal []Semaphore
	Fence  Fence
}

// CommandList records GPU work. A list is owned by one goroutine while recording.
type CommandList interface {
	Queue() QueueType
	Begin() error
	End() error
	Reset() error
	Destroy()

	Barrier(barriers ...Barrier)
	CopyBuffer(src, dst BufferHandle, srcOffset, dstOffset, size uint64) error
	CopyBufferToTexture(src BufferHandle, srcOffset uint64, dst TextureHandle) error

	BeginRenderPass(pass RenderPassHandle, fb FramebufferHandle, clear ClearValues) error
	EndRenderPass()

	BindPipeline(p PipelineHandle) error
	BindDescriptorSet(set DescriptorSetHandle) error
	Draw(vertexCount, instanceCount uint32)
	DrawIndirect(buf BufferHandle, offset uint64, drawCount uint32) error
	Dispatch(x, y, z uint32)
	TraceRays(width, height, depth uint32)
}
