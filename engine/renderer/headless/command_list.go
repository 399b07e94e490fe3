package headless

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

type CommandKind uint8

const (
	CmdBarrier CommandKind = iota
	CmdCopyBuffer
	CmdCopyBufferToTexture
	CmdBeginRenderPass
	CmdEndRenderPass
	CmdBindPipeline
	CmdBindDescriptorSet
	CmdDraw
	CmdDrawIndirect
	CmdDispatch
	CmdTraceRays
)

var commandNames = [...]string{
	CmdBarrier:             "barrier",
	CmdCopyBuffer:          "copy_buffer",
	CmdCopyBufferToTexture: "copy_buffer_to_texture",
	CmdBeginRenderPass:     "begin_render_pass",
	CmdEndRenderPass:       "end_render_pass",
	CmdBindPipeline:        "bind_pipeline",
	CmdBindDescriptorSet:   "bind_descriptor_set",
	CmdDraw:                "draw",
	CmdDrawIndirect:        "draw_indirect",
	CmdDispatch:            "dispatch",
	CmdTraceRays:           "trace_rays",
}

func (k CommandKind) String() string {
	return commandNames[k]
}

// Command is one recorded operation. Only the fields relevant to Kind are set.
type Command struct {
	Kind          CommandKind
	Barrier       gpu.Barrier
	SrcBuffer     gpu.BufferHandle
	DstBuffer     gpu.BufferHandle
	DstTexture    gpu.TextureHandle
	SrcOffset     uint64
	DstOffset     uint64
	Size          uint64
	RenderPass    gpu.RenderPassHandle
	Framebuffer   gpu.FramebufferHandle
	Pipeline      gpu.PipelineHandle
	DescriptorSet gpu.DescriptorSetHandle
	Counts        [3]uint32
}

var (
	errNotRecording     = errors.New("command list is not recording")
	errInRenderPass     = errors.New("command not allowed inside a render pass")
	errCopyOutOfBounds  = errors.New("copy out of bounds")
	errNativeMismatched = errors.New("native object belongs to another backend")
)

type CommandList struct {
	backend      *Backend
	table        *gpu.ResourceTable
	queue        gpu.QueueType
	recording    bool
	inRenderPass bool
	commands     []Command
}

func (c *CommandList) Queue() gpu.QueueType {
	return c.queue
}

func (c *CommandList) Begin() error {
	if c.recording {
		return fmt.Errorf("begin: command list already recording: %w", core.ErrConfiguration)
	}
	c.commands = c.commands[:0]
	c.recording = true
	return nil
}

func (c *CommandList) End() error {
	if !c.recording {
		return errNotRecording
	}
	if c.inRenderPass {
		return fmt.Errorf("end: %w", errInRenderPass)
	}
	c.recording = false
	return nil
}

func (c *CommandList) Reset() error {
	c.commands = c.commands[:0]
	c.recording = false
	c.inRenderPass = false
	return nil
}

func (c *CommandList) Destroy() {
	c.commands = nil
}

// Commands returns a copy of what has been recorded since Begin.
func (c *CommandList) Commands() []Command {
	return append([]Command(nil), c.commands...)
}

func (c *CommandList) record(cmd Command) {
	if !c.recording {
		core.LogWarn("headless: %s recorded outside Begin/End", cmd.Kind)
		return
	}
	c.commands = append(c.commands, cmd)
}

func (c *CommandList) Barrier(barriers ...gpu.Barrier) {
	for _, b := range barriers {
		c.record(Command{Kind: CmdBarrier, Barrier: b})
	}
}

func (c *CommandList) CopyBuffer(src, dst gpu.BufferHandle, srcOffset, dstOffset, size uint64) error {
	if !c.recording {
		return errNotRecording
	}
	if c.inRenderPass {
		return fmt.Errorf("copy buffer: %w", errInRenderPass)
	}
	s, err := c.table.Buffer(src)
	if err != nil {
		return err
	}
	d, err := c.table.Buffer(dst)
	if err != nil {
		return err
	}
	if srcOffset+size > s.Desc.Size || dstOffset+size > d.Desc.Size {
		return fmt.Errorf("copy %q -> %q (%d bytes): %w", s.Desc.Name, d.Desc.Name, size, errCopyOutOfBounds)
	}
	c.record(Command{Kind: CmdCopyBuffer, SrcBuffer: src, DstBuffer: dst, SrcOffset: srcOffset, DstOffset: dstOffset, Size: size})
	return nil
}

func (c *CommandList) CopyBufferToTexture(src gpu.BufferHandle, srcOffset uint64, dst gpu.TextureHandle) error {
	if !c.recording {
		return errNotRecording
	}
	if c.inRenderPass {
		return fmt.Errorf("copy buffer to texture: %w", errInRenderPass)
	}
	s, err := c.table.Buffer(src)
	if err != nil {
		return err
	}
	d, err := c.table.Texture(dst)
	if err != nil {
		return err
	}
	size := d.Desc.Size()
	if srcOffset+size > s.Desc.Size {
		return fmt.Errorf("copy %q -> %q (%d bytes): %w", s.Desc.Name, d.Desc.Name, size, errCopyOutOfBounds)
	}
	c.record(Command{Kind: CmdCopyBufferToTexture, SrcBuffer: src, DstTexture: dst, SrcOffset: srcOffset, Size: size})
	return nil
}

func (c *CommandList) BeginRenderPass(pass gpu.RenderPassHandle, fb gpu.FramebufferHandle, _ gpu.ClearValues) error {
	if c.inRenderPass {
		return fmt.Errorf("begin render pass: %w", errInRenderPass)
	}
	if _, err := c.table.RenderPass(pass); err != nil {
		return err
	}
	if _, err := c.table.Framebuffer(fb); err != nil {
		return err
	}
	c.inRenderPass = true
	c.record(Command{Kind: CmdBeginRenderPass, RenderPass: pass, Framebuffer: fb})
	return nil
}

func (c *CommandList) EndRenderPass() {
	c.inRenderPass = false
	c.record(Command{Kind: CmdEndRenderPass})
}

func (c *CommandList) BindPipeline(p gpu.PipelineHandle) error {
	if _, err := c.table.Pipeline(p); err != nil {
		return err
	}
	c.record(Command{Kind: CmdBindPipeline, Pipeline: p})
	return nil
}

func (c *CommandList) BindDescriptorSet(set gpu.DescriptorSetHandle) error {
	if _, err := c.table.DescriptorSet(set); err != nil {
		return err
	}
	c.record(Command{Kind: CmdBindDescriptorSet, DescriptorSet: set})
	return nil
}

func (c *CommandList) Draw(vertexCount, instanceCount uint32) {
	c.record(Command{Kind: CmdDraw, Counts: [3]uint32{vertexCount, instanceCount, 0}})
}

func (c *CommandList) DrawIndirect(buf gpu.BufferHandle, offset uint64, drawCount uint32) error {
	if _, err := c.table.Buffer(buf); err != nil {
		return err
	}
	c.record(Command{Kind: CmdDrawIndirect, SrcBuffer: buf, SrcOffset: offset, Counts: [3]uint32{drawCount, 0, 0}})
	return nil
}

func (c *CommandList) Dispatch(x, y, z uint32) {
	c.record(Command{Kind: CmdDispatch, Counts: [3]uint32{x, y, z}})
}

func (c *CommandList) TraceRays(width, height, depth uint32) {
	c.record(Command{Kind: CmdTraceRays, Counts: [3]uint32{width, height, depth}})
}

// execute performs the data movement of the recorded commands. Resources
// destroyed since recording are skipped.
func (c *CommandList) execute(commands []Command) {
	for _, cmd := range commands {
		switch cmd.Kind {
		case CmdCopyBuffer:
			src, err1 := c.bufferData(cmd.SrcBuffer)
			dst, err2 := c.bufferData(cmd.DstBuffer)
			if err := errors.Join(err1, err2); err != nil {
				core.LogWarn("headless: skipping copy: %s", err)
				continue
			}
			copy(dst[cmd.DstOffset:cmd.DstOffset+cmd.Size], src[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
		case CmdCopyBufferToTexture:
			src, err1 := c.bufferData(cmd.SrcBuffer)
			dst, err2 := c.textureData(cmd.DstTexture)
			if err := errors.Join(err1, err2); err != nil {
				core.LogWarn("headless: skipping texture upload: %s", err)
				continue
			}
			copy(dst, src[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
		}
	}
}

func (c *CommandList) bufferData(h gpu.BufferHandle) ([]byte, error) {
	b, err := c.table.Buffer(h)
	if err != nil {
		return nil, err
	}
	native, ok := b.Native.(*buffer)
	if !ok {
		return nil, errNativeMismatched
	}
	return native.data, nil
}

func (c *CommandList) textureData(h gpu.TextureHandle) ([]byte, error) {
	t, err := c.table.Texture(h)
	if err != nil {
		return nil, err
	}
	native, ok := t.Native.(*texture)
	if !ok {
		return nil, errNativeMismatched
	}
	return native.data, nil
}
