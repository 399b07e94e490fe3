package testbed

import (
	"fmt"

	"github.com/spaghettifunk/crude/engine"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/math"
	"github.com/spaghettifunk/crude/engine/world"
)

type TestGame struct {
	*engine.Game
}

type gameState struct {
	camera world.Entity
	meshes []world.Entity

	width  uint32
	height uint32

	elapsed float64
}

const (
	ringCount  = 24
	ringRadius = 30
	// radians per second
	cameraSpeed = 0.25
	meshSpeed   = 0.5
)

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

// Initialize spawns a ring of cubes around the camera and a few stacked
// behind it, which culling should reject.
func (g *TestGame) Initialize(w *world.MapWorld) error {
	core.LogDebug("TestGame Initialize fn....")
	state := g.State.(*gameState)

	found := false
	w.Each(world.ComponentCamera, func(e world.Entity, _ any) bool {
		state.camera = e
		found = true
		return false
	})
	if !found {
		return fmt.Errorf("testbed: world has no camera: %w", core.ErrConfiguration)
	}

	for i := 0; i < ringCount; i++ {
		angle := float32(i) / ringCount * 2 * math.K_PI
		pos := math.NewVec3(math.Cos(angle)*ringRadius, 0, math.Sin(angle)*ringRadius)
		if err := g.spawn(w, pos, 1+float32(i%3)); err != nil {
			return err
		}
	}
	for i := 1; i <= 4; i++ {
		if err := g.spawn(w, math.NewVec3(0, float32(i)*2, 10), 0.5); err != nil {
			return err
		}
	}
	core.LogInfo("testbed spawned %d meshes", len(state.meshes))
	return nil
}

func (g *TestGame) spawn(w *world.MapWorld, pos math.Vec3, radius float32) error {
	state := g.State.(*gameState)
	e := w.CreateEntity()
	if err := w.SetComponent(e, world.ComponentTransform, world.NewTransform(pos)); err != nil {
		return err
	}
	if err := w.SetComponent(e, world.ComponentBounds, world.Bounds{Radius: radius}); err != nil {
		return err
	}
	state.meshes = append(state.meshes, e)
	return nil
}

// Update turns the camera and spins every mesh in place.
func (g *TestGame) Update(w *world.MapWorld, deltaTime float64) error {
	state := g.State.(*gameState)
	state.elapsed += deltaTime

	camera, ok := world.Get[world.Camera](w, state.camera, world.ComponentCamera)
	if !ok {
		return fmt.Errorf("testbed: camera %s lost: %w", state.camera, core.ErrInvalidHandle)
	}
	camera.Yaw(float32(cameraSpeed * deltaTime))
	if err := w.SetComponent(state.camera, world.ComponentCamera, camera); err != nil {
		return err
	}

	rotation := math.NewQuatFromAxisAngle(math.NewVec3Up(), float32(meshSpeed*deltaTime))
	for _, e := range state.meshes {
		t, ok := world.Get[world.Transform](w, e, world.ComponentTransform)
		if !ok {
			continue
		}
		t.Rotation = t.Rotation.Mul(rotation).Normalized()
		if err := w.SetComponent(e, world.ComponentTransform, t); err != nil {
			return err
		}
	}
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.State.(*gameState)
	state.width = width
	state.height = height
	return nil
}

func (g *TestGame) Shutdown() error {
	state := g.State.(*gameState)
	core.LogInfo("testbed ran for %.1fs at %dx%d", state.elapsed, state.width, state.height)
	return nil
}
