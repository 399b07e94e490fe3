package engine

import (
	"github.com/spaghettifunk/crude/engine/world"
)

// Game is the application plugged into the engine. Every hook is optional.
// Hooks touching the world run with the scene lock held.
type Game struct {
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnOnResize   OnResize
	FnShutdown   Shutdown
}

type Initialize func(w *world.MapWorld) error
type Update func(w *world.MapWorld, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
