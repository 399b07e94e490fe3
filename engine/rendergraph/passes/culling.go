package passes

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/math"
	"github.com/spaghettifunk/crude/engine/rendergraph"
	"github.com/spaghettifunk/crude/engine/tasks"
	"github.com/spaghettifunk/crude/engine/world"
)

const (
	// vertexCount, instanceCount, firstVertex, firstInstance
	indirectHeaderSize = 16
	cubeVertexCount    = 36
	cullingMinRange    = 64
)

type cullItem struct {
	entity world.Entity
	sphere math.Sphere
}

// Culling tests every bounded entity against the camera frustum on the
// task scheduler and writes one indirect draw plus the visible entity IDs
// into the per-frame indirect args buffer.
type Culling struct {
	base

	items       []cullItem
	inView      []bool
	frustum     math.Frustum
	haveCamera  bool
	snapshotted bool

	visible   atomic.Int64
	total     atomic.Int64
	truncated bool
}

func (p *Culling) Init(ctx *rendergraph.InitContext) error {
	return p.init(ctx)
}

func (p *Culling) OnTechniquesReloaded(ctx *rendergraph.ReloadContext) error {
	return p.reload(ctx)
}

// Visible is the number of instances that passed the last cull.
func (p *Culling) Visible() int {
	return int(p.visible.Load())
}

func (p *Culling) Total() int {
	return int(p.total.Load())
}

func (p *Culling) PreRender(ctx *rendergraph.RenderContext) error {
	args, err := ctx.Buffer(ResIndirectArgs)
	if err != nil {
		return err
	}
	ctx.Barrier(gpu.BufferBarrier(args, gpu.StateUndefined, gpu.StateUnorderedAccess))
	return nil
}

func (p *Culling) Render(ctx *rendergraph.RenderContext) error {
	args, err := ctx.Buffer(ResIndirectArgs)
	if err != nil {
		return err
	}
	mapped, err := ctx.Table.MapBuffer(args)
	if err != nil {
		return err
	}

	frustum, ok := p.snapshot(ctx)
	if ok {
		p.cull(ctx.Scheduler, frustum)
	}
	visible := p.write(mapped, ok)

	if err := p.bind(ctx); err != nil {
		return err
	}
	ctx.Commands.Dispatch(uint32((visible+63)/64), 1, 1)
	return nil
}

// snapshot copies camera and bounds out of the scene so the lock is not
// held while culling. While the simulation holds the scene the previous
// snapshot is reused.
func (p *Culling) snapshot(ctx *rendergraph.RenderContext) (math.Frustum, bool) {
	if ctx.Scene == nil {
		p.items = p.items[:0]
		return math.Frustum{}, false
	}
	aspect := float32(1)
	if ctx.Height > 0 {
		aspect = float32(ctx.Width) / float32(ctx.Height)
	}

	collect := func(w *world.World) {
		p.items = p.items[:0]
		var camera world.Camera
		haveCamera := false
		(*w).Each(world.ComponentCamera, func(_ world.Entity, c any) bool {
			camera, haveCamera = c.(world.Camera)
			return !haveCamera
		})
		(*w).Each(world.ComponentBounds, func(e world.Entity, c any) bool {
			bounds, ok := c.(world.Bounds)
			if !ok {
				return true
			}
			t, ok := world.Get[world.Transform](*w, e, world.ComponentTransform)
			if !ok {
				t = world.NewTransform(math.NewVec3Zero())
			}
			p.items = append(p.items, cullItem{entity: e, sphere: bounds.WorldSphere(t)})
			return true
		})
		p.haveCamera = haveCamera
		if haveCamera {
			p.frustum = camera.Frustum(aspect)
		}
		p.snapshotted = true
	}
	if !ctx.Scene.TryWith(collect) && !p.snapshotted {
		ctx.Scene.With(collect)
	}
	return p.frustum, p.haveCamera
}

func (p *Culling) cull(sched *tasks.Scheduler, frustum math.Frustum) {
	if cap(p.inView) < len(p.items) {
		p.inView = make([]bool, len(p.items))
	}
	p.inView = p.inView[:len(p.items)]

	run := func(r tasks.TaskRange, _ int) {
		for i := r.Start; i < r.End; i++ {
			p.inView[i] = frustum.IntersectsSphere(p.items[i].sphere)
		}
	}
	if sched == nil {
		run(tasks.TaskRange{Start: 0, End: len(p.items)}, 0)
		return
	}
	sched.ParallelFor("frustum culling", len(p.items), cullingMinRange, run)
}

func (p *Culling) write(mapped []byte, culled bool) int {
	capacity := 0
	if len(mapped) > indirectHeaderSize {
		capacity = (len(mapped) - indirectHeaderSize) / 4
	}
	visible := 0
	if culled {
		for i, item := range p.items {
			if !p.inView[i] {
				continue
			}
			if visible == capacity {
				if !p.truncated {
					core.LogWarn("culling: %d bytes of indirect args hold only %d instances", len(mapped), capacity)
					p.truncated = true
				}
				break
			}
			binary.LittleEndian.PutUint32(mapped[indirectHeaderSize+visible*4:], item.entity.ID)
			visible++
		}
	}
	if len(mapped) >= indirectHeaderSize {
		binary.LittleEndian.PutUint32(mapped[0:], cubeVertexCount)
		binary.LittleEndian.PutUint32(mapped[4:], uint32(visible))
		binary.LittleEndian.PutUint32(mapped[8:], 0)
		binary.LittleEndian.PutUint32(mapped[12:], 0)
	}
	p.visible.Store(int64(visible))
	p.total.Store(int64(len(p.items)))
	return visible
}
