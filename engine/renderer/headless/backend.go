// Package headless is an in-memory GPU backend. Copies are performed on the
// CPU when a submission completes, everything else is recorded so callers
// can inspect what would have been sent to a device.
package headless

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type Options struct {
	// ManualCompletion keeps submissions pending until Complete or
	// CompleteAll is called, so fences stay unsignaled in between.
	ManualCompletion bool
	// HistoryLimit caps how many submissions Submissions keeps. Zero keeps all.
	HistoryLimit int
}

type buffer struct {
	desc gpu.BufferDesc
	data []byte
}

type texture struct {
	desc gpu.TextureDesc
	data []byte
}

type pipeline struct{ desc gpu.PipelineDesc }
type descriptorSet struct{ desc gpu.DescriptorSetDesc }
type renderPass struct{ desc gpu.RenderPassDesc }
type framebuffer struct{ desc gpu.FramebufferDesc }

// Submission is a snapshot of one Submit call.
type Submission struct {
	Queue    gpu.QueueType
	Commands []Command
	Waits    []gpu.Semaphore
	Signals  []gpu.Semaphore
	Fence    gpu.Fence

	lists [][]Command
	owner []*CommandList
}

type Backend struct {
	opts Options

	mu        sync.Mutex
	pending   []*Submission
	history   []Submission
	destroyed int
}

func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return "headless"
}

func (b *Backend) CreateBuffer(desc *gpu.BufferDesc) (any, error) {
	return &buffer{desc: *desc, data: make([]byte, desc.Size)}, nil
}

func (b *Backend) DestroyBuffer(native any) {
	b.countDestroyed(native)
}

func (b *Backend) MapBuffer(native any) ([]byte, error) {
	buf, ok := native.(*buffer)
	if !ok {
		return nil, errNativeMismatched
	}
	if !buf.desc.Memory.CPUVisible() {
		return nil, gpu.ErrNotMappable
	}
	return buf.data, nil
}

func (b *Backend) CreateTexture(desc *gpu.TextureDesc) (any, error) {
	return &texture{desc: *desc, data: make([]byte, desc.Size())}, nil
}

func (b *Backend) DestroyTexture(native any) {
	b.countDestroyed(native)
}

func (b *Backend) CreatePipeline(desc *gpu.PipelineDesc) (any, error) {
	return &pipeline{desc: *desc}, nil
}

func (b *Backend) DestroyPipeline(native any) {
	b.countDestroyed(native)
}

func (b *Backend) CreateDescriptorSet(desc *gpu.DescriptorSetDesc, table *gpu.ResourceTable) (any, error) {
	for _, binding := range desc.Bindings {
		if binding.Texture.IsValid() {
			if _, err := table.Texture(binding.Texture); err != nil {
				return nil, fmt.Errorf("binding %d: %w", binding.Slot, err)
			}
		}
		if binding.Buffer.IsValid() {
			if _, err := table.Buffer(binding.Buffer); err != nil {
				return nil, fmt.Errorf("binding %d: %w", binding.Slot, err)
			}
		}
	}
	return &descriptorSet{desc: *desc}, nil
}

func (b *Backend) DestroyDescriptorSet(native any) {
	b.countDestroyed(native)
}

func (b *Backend) CreateRenderPass(desc *gpu.RenderPassDesc) (any, error) {
	return &renderPass{desc: *desc}, nil
}

func (b *Backend) DestroyRenderPass(native any) {
	b.countDestroyed(native)
}

func (b *Backend) CreateFramebuffer(desc *gpu.FramebufferDesc, table *gpu.ResourceTable) (any, error) {
	rp, err := table.RenderPass(desc.RenderPass)
	if err != nil {
		return nil, err
	}
	if len(desc.Color) != len(rp.Desc.Color) {
		return nil, fmt.Errorf("framebuffer %q has %d color attachments, render pass expects %d: %w",
			desc.Name, len(desc.Color), len(rp.Desc.Color), core.ErrConfiguration)
	}
	for _, h := range desc.Color {
		if _, err := table.Texture(h); err != nil {
			return nil, err
		}
	}
	if rp.Desc.HasDepth() {
		if _, err := table.Texture(desc.Depth); err != nil {
			return nil, err
		}
	}
	return &framebuffer{desc: *desc}, nil
}

func (b *Backend) DestroyFramebuffer(native any) {
	b.countDestroyed(native)
}

func (b *Backend) CreateFence(signaled bool) (gpu.Fence, error) {
	return newFence(signaled), nil
}

func (b *Backend) CreateSemaphore() (gpu.Semaphore, error) {
	return newSemaphore(), nil
}

func (b *Backend) NewCommandList(queue gpu.QueueType, table *gpu.ResourceTable) (gpu.CommandList, error) {
	return &CommandList{backend: b, table: table, queue: queue}, nil
}

func (b *Backend) Submit(queue gpu.QueueType, info *gpu.SubmitInfo) error {
	sub := &Submission{
		Queue:   queue,
		Waits:   append([]gpu.Semaphore(nil), info.Wait...),
		Signals: append([]gpu.Semaphore(nil), info.Signal...),
		Fence:   info.Fence,
	}
	for _, l := range info.Lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return errNativeMismatched
		}
		if cl.recording {
			return fmt.Errorf("submit: command list still recording: %w", core.ErrConfiguration)
		}
		if cl.queue != queue {
			return fmt.Errorf("submit: %s list on %s queue: %w", cl.queue, queue, core.ErrConfiguration)
		}
		cmds := cl.Commands()
		sub.lists = append(sub.lists, cmds)
		sub.owner = append(sub.owner, cl)
		sub.Commands = append(sub.Commands, cmds...)
	}
	if f, ok := info.Fence.(*Fence); ok && f.Signaled() {
		return fmt.Errorf("submit: fence already signaled: %w", core.ErrConfiguration)
	}

	b.mu.Lock()
	b.history = append(b.history, *sub)
	if n := b.opts.HistoryLimit; n > 0 && len(b.history) > n {
		b.history = append(b.history[:0], b.history[len(b.history)-n:]...)
	}
	if b.opts.ManualCompletion {
		b.pending = append(b.pending, sub)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.complete(sub)
	return nil
}

func (b *Backend) complete(sub *Submission) {
	for i, cmds := range sub.lists {
		sub.owner[i].execute(cmds)
	}
	if f, ok := sub.Fence.(*Fence); ok {
		f.signal()
	}
}

// Complete finishes the oldest pending submission. Reports false when
// nothing is pending.
func (b *Backend) Complete() bool {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	sub := b.pending[0]
	b.pending = b.pending[1:]
	b.mu.Unlock()

	b.complete(sub)
	return true
}

func (b *Backend) CompleteAll() int {
	n := 0
	for b.Complete() {
		n++
	}
	return n
}

func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Submissions returns the recorded submissions, oldest first.
func (b *Backend) Submissions() []Submission {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Submission(nil), b.history...)
}

func (b *Backend) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Destroyed counts native objects released through the backend.
func (b *Backend) Destroyed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

func (b *Backend) countDestroyed(native any) {
	if native == nil {
		return
	}
	b.mu.Lock()
	b.destroyed++
	b.mu.Unlock()
}

// WaitIdle drains pending submissions, as a device would finish its queues.
func (b *Backend) WaitIdle() error {
	b.CompleteAll()
	return nil
}

func (b *Backend) Shutdown() error {
	return b.WaitIdle()
}

// TextureData exposes the pixels of a headless texture.
func TextureData(t gpu.Texture) []byte {
	if tex, ok := t.Native.(*texture); ok {
		return tex.data
	}
	return nil
}

// BufferData exposes the contents of a headless buffer.
func BufferData(b gpu.Buffer) []byte {
	if buf, ok := b.Native.(*buffer); ok {
		return buf.data
	}
	return nil
}
