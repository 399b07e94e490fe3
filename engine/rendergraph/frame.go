package rendergraph

import "sync/atomic"

// FrameCounter selects the swapchain slot. Only the graphics thread
// advances it; any thread may read it, and should read it once per use.
type FrameCounter struct {
	counter atomic.Uint64
	images  uint64
}

func NewFrameCounter(imageCount int) *FrameCounter {
	if imageCount < 1 {
		imageCount = 1
	}
	return &FrameCounter{images: uint64(imageCount)}
}

// Current is counter % image count.
func (f *FrameCounter) Current() int {
	return int(f.counter.Load() % f.images)
}

func (f *FrameCounter) Counter() uint64 {
	return f.counter.Load()
}

// Advance moves to the next frame and returns the new counter.
func (f *FrameCounter) Advance() uint64 {
	return f.counter.Add(1)
}

func (f *FrameCounter) Images() int {
	return int(f.images)
}
