package rendergraph

import (
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

// StateTracker remembers the last declared state of every resource and
// warns when a barrier's source state disagrees. It never inserts barriers.
type StateTracker struct {
	mu         sync.Mutex
	textures   map[gpu.TextureHandle]gpu.ResourceState
	buffers    map[gpu.BufferHandle]gpu.ResourceState
	mismatches atomic.Int64
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		textures: make(map[gpu.TextureHandle]gpu.ResourceState),
		buffers:  make(map[gpu.BufferHandle]gpu.ResourceState),
	}
}

// Apply records barriers issued by node. A From of StateUndefined discards
// contents and matches any previous state.
func (t *StateTracker) Apply(node string, barriers ...gpu.Barrier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range barriers {
		var prev gpu.ResourceState
		var known bool
		if b.Texture.IsValid() {
			prev, known = t.textures[b.Texture]
			t.textures[b.Texture] = b.To
		} else {
			prev, known = t.buffers[b.Buffer]
			t.buffers[b.Buffer] = b.To
		}
		if known && b.From != gpu.StateUndefined && prev != b.From {
			t.mismatches.Add(1)
			core.LogWarn("pass %q: barrier from %s but resource was left in %s", node, b.From, prev)
		}
	}
}

func (t *StateTracker) State(h gpu.TextureHandle) (gpu.ResourceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.textures[h]
	return s, ok
}

func (t *StateTracker) Mismatches() int64 {
	return t.mismatches.Load()
}

// Forget drops what is known about recreated resources.
func (t *StateTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.textures)
	clear(t.buffers)
}
