// Package asyncloader streams texture files and buffer copies to the GPU
// on the transfer queue. A Loader owns a staging ring, its own command
// list, fence and semaphore. The Manager drives any number of loaders from
// one pinned scheduler thread.
package asyncloader

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/memory"
)

const (
	DefaultStagingSize   = 64 << 20
	DefaultQueueCapacity = 256
	DefaultAlignment     = 16
)

var ErrStagingTooSmall = fmt.Errorf("request larger than the staging ring: %w", core.ErrResourceExhausted)

type LoaderConfig struct {
	Name          string
	StagingSize   uint64
	QueueCapacity int
	// Alignment of each copy inside the staging ring, a power of two.
	Alignment uint64
	// ShutdownTimeout bounds the wait for the in-flight batch.
	ShutdownTimeout time.Duration
}

func (c *LoaderConfig) defaults() error {
	if c.Name == "" {
		c.Name = "loader"
	}
	if c.StagingSize == 0 {
		c.StagingSize = DefaultStagingSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if !memory.IsPowerOfTwo(c.Alignment) {
		return fmt.Errorf("loader %q alignment %d: %w", c.Name, c.Alignment, memory.ErrBadAlignment)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 2 * time.Second
	}
	return nil
}

type requestKind uint8

const (
	requestFile requestKind = iota
	requestBufferCopy
)

type request struct {
	id   uuid.UUID
	kind requestKind

	path    string
	texture gpu.TextureHandle
	// decoded once, kept while the request waits for ring space
	pixels []byte

	src    gpu.BufferHandle
	dst    gpu.BufferHandle
	size   uint64
	queued time.Time
}

func (r *request) target() string {
	if r.kind == requestFile {
		return r.path
	}
	return fmt.Sprintf("buffer %s -> %s", r.src.Handle, r.dst.Handle)
}

type Stats struct {
	Name          string `json:"name"`
	Queued        int    `json:"queued"`
	InFlight      int    `json:"in_flight"`
	Completed     uint64 `json:"completed"`
	Abandoned     uint64 `json:"abandoned"`
	Deferred      uint64 `json:"deferred"`
	Generation    uint64 `json:"generation"`
	StagingOffset uint64 `json:"staging_offset"`
	StagingSize   uint64 `json:"staging_size"`
}

// Loader is safe for concurrent enqueueing. Update and Shutdown are meant
// for the thread that owns the loader.
type Loader struct {
	cfg     LoaderConfig
	table   *gpu.ResourceTable
	backend gpu.Backend
	waits   *gpu.WaitList
	log     *log.Logger

	staging   gpu.BufferHandle
	ring      []byte
	commands  gpu.CommandList
	fence     gpu.Fence
	semaphore gpu.Semaphore

	// guards the queues and wake
	mu       sync.Mutex
	textures *containers.RingQueue[*request]
	buffers  *containers.RingQueue[*request]
	wake     func()

	// owned by Update
	updateMu   sync.Mutex
	offset     uint64
	generation uint64
	batch      []*request
	inFlight   bool
	closed     bool
	// set by Shutdown; no new batches or requests are accepted
	stopping atomic.Bool

	completed atomic.Uint64
	abandoned atomic.Uint64
	deferred  atomic.Uint64
	stagedAt  atomic.Uint64
	genSeen   atomic.Uint64
	batchSize atomic.Int64
}

func NewLoader(cfg LoaderConfig, table *gpu.ResourceTable, backend gpu.Backend, waits *gpu.WaitList) (*Loader, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	if waits == nil {
		return nil, fmt.Errorf("loader %q needs the graphics wait list: %w", cfg.Name, core.ErrConfiguration)
	}
	l := &Loader{
		cfg:      cfg,
		table:    table,
		backend:  backend,
		waits:    waits,
		log:      core.Logger().With("loader", cfg.Name),
		textures: containers.NewRingQueue[*request](cfg.QueueCapacity),
		buffers:  containers.NewRingQueue[*request](cfg.QueueCapacity),
	}

	var err error
	l.staging, err = table.CreateBuffer(gpu.BufferDesc{
		Name:   cfg.Name + "_staging",
		Size:   cfg.StagingSize,
		Usage:  gpu.BufferUsageTransferSrc,
		Memory: gpu.MemoryCPUToGPU,
	})
	if err != nil {
		return nil, fmt.Errorf("loader %q staging ring: %w", cfg.Name, err)
	}
	if l.ring, err = table.MapBuffer(l.staging); err != nil {
		l.release()
		return nil, fmt.Errorf("loader %q staging ring: %w", cfg.Name, err)
	}
	if l.commands, err = backend.NewCommandList(gpu.QueueTransfer, table); err != nil {
		l.release()
		return nil, fmt.Errorf("loader %q command list: %w", cfg.Name, err)
	}
	if l.fence, err = backend.CreateFence(false); err != nil {
		l.release()
		return nil, fmt.Errorf("loader %q fence: %w", cfg.Name, err)
	}
	if l.semaphore, err = backend.CreateSemaphore(); err != nil {
		l.release()
		return nil, fmt.Errorf("loader %q semaphore: %w", cfg.Name, err)
	}
	l.log.Debug("loader created", "staging", cfg.StagingSize, "queue", cfg.QueueCapacity)
	return l, nil
}

func (l *Loader) Name() string {
	return l.cfg.Name
}

func (l *Loader) setWaker(fn func()) {
	l.mu.Lock()
	l.wake = fn
	l.mu.Unlock()
}

// enqueue runs with l.mu held.
func (l *Loader) enqueue(q *containers.RingQueue[*request], r *request) error {
	if err := q.Enqueue(r); err != nil {
		return fmt.Errorf("loader %q: %w", l.cfg.Name, err)
	}
	if l.wake != nil {
		l.wake()
	}
	return nil
}

// RequestTextureLoad queues path for upload into dst. The texture stays
// not ready until the transfer fence of its batch has signaled.
func (l *Loader) RequestTextureLoad(path string, dst gpu.TextureHandle) (uuid.UUID, error) {
	tex, err := l.table.Texture(dst)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load %q: %w", path, err)
	}
	if !uploadable(tex.Desc.Format) {
		return uuid.Nil, fmt.Errorf("load %q into %s texture %q: %w", path, tex.Desc.Format, tex.Desc.Name, core.ErrConfiguration)
	}
	if tex.Desc.Size() > l.cfg.StagingSize {
		return uuid.Nil, fmt.Errorf("load %q (%d bytes) into loader %q: %w", path, tex.Desc.Size(), l.cfg.Name, ErrStagingTooSmall)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping.Load() {
		return uuid.Nil, fmt.Errorf("load %q: loader %q: %w", path, l.cfg.Name, core.ErrShutdown)
	}
	if l.textures.IsFull() {
		return uuid.Nil, fmt.Errorf("load %q: loader %q: %w", path, l.cfg.Name, containers.ErrQueueFull)
	}
	if err := l.table.BeginTextureUpload(dst); err != nil {
		return uuid.Nil, fmt.Errorf("load %q: %w", path, err)
	}
	r := &request{id: uuid.New(), kind: requestFile, path: path, texture: dst, queued: time.Now()}
	if err := l.enqueue(l.textures, r); err != nil {
		_ = l.table.EndTextureUpload(dst, false)
		return uuid.Nil, err
	}
	l.log.Debug("texture queued", "id", r.id, "path", path)
	return r.id, nil
}

// CreateTextureFromFile reads the image header of path, creates a streamed
// RGBA8 texture of that size and queues its upload.
func (l *Loader) CreateTextureFromFile(path string) (gpu.TextureHandle, uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return gpu.TextureHandle{}, uuid.Nil, fmt.Errorf("load %q: %w", path, err)
	}
	cfg, _, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return gpu.TextureHandle{}, uuid.Nil, fmt.Errorf("load %q: %w", path, err)
	}

	h, err := l.table.CreateTexture(gpu.TextureDesc{
		Name:     filepath.Base(path),
		Width:    uint32(cfg.Width),
		Height:   uint32(cfg.Height),
		Format:   gpu.FormatRGBA8Unorm,
		Usage:    gpu.TextureUsageSampled | gpu.TextureUsageTransferDst,
		Streamed: true,
	})
	if err != nil {
		return gpu.TextureHandle{}, uuid.Nil, fmt.Errorf("load %q: %w", path, err)
	}
	id, err := l.RequestTextureLoad(path, h)
	if err != nil {
		_ = l.table.DestroyTexture(h)
		return gpu.TextureHandle{}, uuid.Nil, err
	}
	return h, id, nil
}

// RequestBufferCopy queues a copy of the whole CPU-visible src into dst.
func (l *Loader) RequestBufferCopy(src, dst gpu.BufferHandle) (uuid.UUID, error) {
	s, err := l.table.Buffer(src)
	if err != nil {
		return uuid.Nil, fmt.Errorf("buffer copy source: %w", err)
	}
	d, err := l.table.Buffer(dst)
	if err != nil {
		return uuid.Nil, fmt.Errorf("buffer copy destination: %w", err)
	}
	if !s.Desc.Memory.CPUVisible() {
		return uuid.Nil, fmt.Errorf("buffer copy source %q: %w", s.Desc.Name, gpu.ErrNotMappable)
	}
	if s.Desc.Size > d.Desc.Size {
		return uuid.Nil, fmt.Errorf("buffer copy %q (%d bytes) into %q (%d bytes): %w", s.Desc.Name, s.Desc.Size, d.Desc.Name, d.Desc.Size, core.ErrConfiguration)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping.Load() {
		return uuid.Nil, fmt.Errorf("buffer copy %q: loader %q: %w", d.Desc.Name, l.cfg.Name, core.ErrShutdown)
	}
	if l.buffers.IsFull() {
		return uuid.Nil, fmt.Errorf("buffer copy %q: loader %q: %w", d.Desc.Name, l.cfg.Name, containers.ErrQueueFull)
	}
	if err := l.table.BeginBufferUpload(dst); err != nil {
		return uuid.Nil, fmt.Errorf("buffer copy: %w", err)
	}
	r := &request{id: uuid.New(), kind: requestBufferCopy, src: src, dst: dst, size: s.Desc.Size, queued: time.Now()}
	if err := l.enqueue(l.buffers, r); err != nil {
		_ = l.table.EndBufferUpload(dst, false)
		return uuid.Nil, err
	}
	return r.id, nil
}

func (l *Loader) peek(q *containers.RingQueue[*request]) (*request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := q.Peek()
	return r, err == nil
}

func (l *Loader) pop(q *containers.RingQueue[*request]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = q.Dequeue()
}

// Pending reports whether requests are queued or a batch is in flight.
func (l *Loader) Pending() bool {
	l.mu.Lock()
	queued := l.textures.Len() + l.buffers.Len()
	l.mu.Unlock()
	return queued > 0 || l.batchSize.Load() > 0
}

// Update retires the in-flight batch once its fence has signaled and, when
// the transfer queue is free, records and submits the next one.
func (l *Loader) Update() error {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()
	if l.closed {
		return fmt.Errorf("loader %q: %w", l.cfg.Name, core.ErrShutdown)
	}

	if l.inFlight {
		if !l.fence.Signaled() {
			return nil
		}
		l.completeBatch()
	}
	if l.stopping.Load() {
		return nil
	}
	// the graphics queue has not consumed the last signal yet
	if l.waits.Contains(l.semaphore) {
		return nil
	}

	recording := false
	begin := func() error {
		if recording {
			return nil
		}
		if err := l.commands.Reset(); err != nil {
			return err
		}
		if err := l.commands.Begin(); err != nil {
			return err
		}
		recording = true
		return nil
	}

	for {
		r, ok := l.peek(l.textures)
		if !ok {
			break
		}
		if r.pixels == nil {
			if err := l.decode(r); err != nil {
				l.pop(l.textures)
				l.abandon(r, err)
				continue
			}
		}
		size := uint64(len(r.pixels))
		if size > l.cfg.StagingSize {
			l.pop(l.textures)
			l.abandon(r, ErrStagingTooSmall)
			continue
		}
		offset := memory.AlignUp(l.offset, l.cfg.Alignment)
		if offset+size > l.cfg.StagingSize {
			l.deferred.Add(1)
			l.log.Debug("upload deferred", "id", r.id, "path", r.path, "need", size, "free", l.cfg.StagingSize-min(offset, l.cfg.StagingSize))
			break
		}
		if err := begin(); err != nil {
			return l.failRecording(err)
		}

		copy(l.ring[offset:offset+size], r.pixels)
		l.commands.Barrier(gpu.TextureBarrier(r.texture, gpu.StateUndefined, gpu.StateCopyDest))
		if err := l.commands.CopyBufferToTexture(l.staging, offset, r.texture); err != nil {
			l.pop(l.textures)
			l.abandon(r, err)
			continue
		}
		l.commands.Barrier(gpu.TextureBarrier(r.texture, gpu.StateCopyDest, gpu.StateShaderResource))
		l.offset = offset + size
		r.pixels = nil
		l.pop(l.textures)
		l.batch = append(l.batch, r)
	}

	for {
		r, ok := l.peek(l.buffers)
		if !ok {
			break
		}
		l.pop(l.buffers)
		if err := begin(); err != nil {
			l.abandon(r, err)
			return l.failRecording(err)
		}
		l.commands.Barrier(gpu.BufferBarrier(r.dst, gpu.StateUndefined, gpu.StateCopyDest))
		if err := l.commands.CopyBuffer(r.src, r.dst, 0, 0, r.size); err != nil {
			l.abandon(r, err)
			continue
		}
		l.commands.Barrier(gpu.BufferBarrier(r.dst, gpu.StateCopyDest, gpu.StateGenericRead))
		l.batch = append(l.batch, r)
	}

	l.stagedAt.Store(l.offset)
	if !recording {
		return nil
	}
	if err := l.commands.End(); err != nil {
		return l.failRecording(err)
	}
	if len(l.batch) == 0 {
		return nil
	}
	err := l.backend.Submit(gpu.QueueTransfer, &gpu.SubmitInfo{
		Lists:  []gpu.CommandList{l.commands},
		Signal: []gpu.Semaphore{l.semaphore},
		Fence:  l.fence,
	})
	if err != nil {
		return l.failRecording(fmt.Errorf("submit: %w", err))
	}
	l.inFlight = true
	l.batchSize.Store(int64(len(l.batch)))
	l.waits.Push(l.semaphore)
	l.log.Debug("batch submitted", "generation", l.generation, "requests", len(l.batch), "staged", l.offset)
	return nil
}

// failRecording abandons the batch recorded so far.
func (l *Loader) failRecording(err error) error {
	for _, r := range l.batch {
		l.abandon(r, err)
	}
	l.batch = l.batch[:0]
	l.offset = 0
	l.stagedAt.Store(0)
	err = fmt.Errorf("loader %q: %w", l.cfg.Name, err)
	l.log.Error("transfer batch dropped", "err", err)
	return err
}

func (l *Loader) completeBatch() {
	for _, r := range l.batch {
		var err error
		if r.kind == requestFile {
			err = l.table.EndTextureUpload(r.texture, true)
		} else {
			err = l.table.EndBufferUpload(r.dst, true)
		}
		if err != nil {
			l.log.Warn("upload finished for a released destination", "id", r.id, "target", r.target(), "err", err)
			l.abandoned.Add(1)
			continue
		}
		l.completed.Add(1)
		l.log.Debug("upload complete", "id", r.id, "target", r.target(), "latency", time.Since(r.queued))
	}
	l.batch = l.batch[:0]
	l.inFlight = false
	l.batchSize.Store(0)
	l.offset = 0
	l.generation++
	l.genSeen.Store(l.generation)
	l.stagedAt.Store(0)
	if err := l.fence.Reset(); err != nil {
		l.log.Error("reset transfer fence", "err", err)
	}
}

func (l *Loader) abandon(r *request, cause error) {
	var err error
	if r.kind == requestFile {
		err = l.table.EndTextureUpload(r.texture, false)
	} else {
		err = l.table.EndBufferUpload(r.dst, false)
	}
	if err != nil && !errors.Is(err, core.ErrInvalidHandle) {
		cause = errors.Join(cause, err)
	}
	l.abandoned.Add(1)
	l.log.Warn("upload abandoned", "id", r.id, "target", r.target(), "err", cause)
}

func (l *Loader) decode(r *request) error {
	tex, err := l.table.Texture(r.texture)
	if err != nil {
		return fmt.Errorf("destination of %q released before upload: %w", r.path, err)
	}
	pixels, err := decodeFile(r.path, tex.Desc)
	if err != nil {
		return err
	}
	r.pixels = pixels
	return nil
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	queued := l.textures.Len() + l.buffers.Len()
	l.mu.Unlock()
	return Stats{
		Name:          l.cfg.Name,
		Queued:        queued,
		InFlight:      int(l.batchSize.Load()),
		Completed:     l.completed.Load(),
		Abandoned:     l.abandoned.Load(),
		Deferred:      l.deferred.Load(),
		Generation:    l.genSeen.Load(),
		StagingOffset: l.stagedAt.Load(),
		StagingSize:   l.cfg.StagingSize,
	}
}

// Shutdown waits for the in-flight batch, abandons whatever is still
// queued and releases the loader's GPU objects. When the batch does not
// finish in time nothing is released and the error wraps core.ErrTimeout;
// Shutdown may be called again once the device has caught up.
func (l *Loader) Shutdown() error {
	l.updateMu.Lock()
	defer l.updateMu.Unlock()
	if l.closed {
		return nil
	}
	l.stopping.Store(true)

	if l.inFlight {
		if err := l.fence.Wait(l.cfg.ShutdownTimeout); err != nil {
			err = fmt.Errorf("loader %q in-flight batch: %w", l.cfg.Name, err)
			l.log.Warn("loader shutdown postponed, transfer still running", "requests", len(l.batch), "err", err)
			return err
		}
		l.completeBatch()
	}
	l.closed = true

	l.mu.Lock()
	for _, q := range []*containers.RingQueue[*request]{l.textures, l.buffers} {
		for !q.IsEmpty() {
			r, _ := q.Dequeue()
			l.abandon(r, core.ErrShutdown)
		}
	}
	l.wake = nil
	l.mu.Unlock()

	if err := l.release(); err != nil {
		l.log.Warn("loader shutdown", "err", err)
		return err
	}
	l.log.Debug("loader shut down", "completed", l.completed.Load(), "abandoned", l.abandoned.Load())
	return nil
}

func (l *Loader) release() error {
	if l.commands != nil {
		l.commands.Destroy()
		l.commands = nil
	}
	if l.fence != nil {
		l.fence.Destroy()
		l.fence = nil
	}
	if l.semaphore != nil {
		l.semaphore.Destroy()
		l.semaphore = nil
	}
	l.ring = nil
	if l.staging.IsValid() {
		err := l.table.DestroyBuffer(l.staging)
		l.staging = gpu.BufferHandle{}
		return err
	}
	return nil
}
