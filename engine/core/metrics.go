package core

import (
	"sync"
	"time"
)

const AVG_COUNT = 30

// FrameMetrics keeps a rolling frame time average and a frames-per-second
// counter. Written by the render thread, read by the inspector.
type FrameMetrics struct {
	mu sync.RWMutex

	samples     [AVG_COUNT]float64
	sampleIndex int
	avgMS       float64
	frames      int
	accumMS     float64
	fps         float64
	total       uint64
}

func NewFrameMetrics() *FrameMetrics {
	return &FrameMetrics{}
}

func (m *FrameMetrics) Update(frameTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameMS := float64(frameTime) / float64(time.Millisecond)
	m.samples[m.sampleIndex] = frameMS
	if m.sampleIndex == AVG_COUNT-1 {
		sum := 0.0
		for _, s := range m.samples {
			sum += s
		}
		m.avgMS = sum / AVG_COUNT
	}
	m.sampleIndex = (m.sampleIndex + 1) % AVG_COUNT

	m.accumMS += frameMS
	if m.accumMS > 1000 {
		m.fps = float64(m.frames)
		m.accumMS -= 1000
		m.frames = 0
	}
	m.frames++
	m.total++
}

func (m *FrameMetrics) FPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fps
}

// FrameTime is the average frame time in milliseconds.
func (m *FrameMetrics) FrameTime() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.avgMS
}

func (m *FrameMetrics) Frames() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
