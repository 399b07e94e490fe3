package world

import (
	"fmt"
	"sort"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/core"
)

// Entity is a generational entity handle. A destroyed entity's ID is reused
// with a higher Version, so stale handles never alias a new entity.
type Entity struct {
	ID      uint32
	Version uint32
}

func (e Entity) String() string {
	return fmt.Sprintf("entity(%d v%d)", e.ID, e.Version)
}

type ComponentID uint32

const (
	ComponentTransform ComponentID = iota + 1
	ComponentBounds
	ComponentCamera
)

// World is the entity lookup capability passes and loaders consume. It does
// no locking of its own; share it through a Scene.
type World interface {
	Alive(e Entity) bool
	GetComponent(e Entity, id ComponentID) (any, bool)
	HasComponent(e Entity, id ComponentID) bool
	// Each visits every live entity carrying id, in entity ID order, until fn returns false.
	Each(id ComponentID, fn func(e Entity, component any) bool)
}

// Scene is the world behind the coarse scene lock.
type Scene = containers.Guarded[World]

func NewScene(w World) *Scene {
	return containers.NewGuarded[World](w)
}

// Get is GetComponent with a type assertion.
func Get[T any](w World, e Entity, id ComponentID) (T, bool) {
	c, ok := w.GetComponent(e, id)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := c.(T)
	return v, ok
}

var ErrDeadEntity = fmt.Errorf("entity is not alive: %w", core.ErrInvalidHandle)

// MapWorld is a small map-backed World.
type MapWorld struct {
	versions   []uint32
	free       []uint32
	components map[ComponentID]map[uint32]any
}

func NewMapWorld() *MapWorld {
	return &MapWorld{components: make(map[ComponentID]map[uint32]any)}
}

func (w *MapWorld) CreateEntity() Entity {
	if n := len(w.free); n > 0 {
		id := w.free[n-1]
		w.free = w.free[:n-1]
		return Entity{ID: id, Version: w.versions[id]}
	}
	w.versions = append(w.versions, 1)
	return Entity{ID: uint32(len(w.versions) - 1), Version: 1}
}

func (w *MapWorld) DestroyEntity(e Entity) error {
	if !w.Alive(e) {
		return fmt.Errorf("destroy %s: %w", e, ErrDeadEntity)
	}
	for _, store := range w.components {
		delete(store, e.ID)
	}
	w.versions[e.ID]++
	w.free = append(w.free, e.ID)
	return nil
}

func (w *MapWorld) Alive(e Entity) bool {
	return e.Version != 0 && int(e.ID) < len(w.versions) && w.versions[e.ID] == e.Version
}

func (w *MapWorld) SetComponent(e Entity, id ComponentID, component any) error {
	if !w.Alive(e) {
		return fmt.Errorf("set component %d on %s: %w", id, e, ErrDeadEntity)
	}
	store, ok := w.components[id]
	if !ok {
		store = make(map[uint32]any)
		w.components[id] = store
	}
	store[e.ID] = component
	return nil
}

func (w *MapWorld) RemoveComponent(e Entity, id ComponentID) {
	if w.Alive(e) {
		delete(w.components[id], e.ID)
	}
}

func (w *MapWorld) GetComponent(e Entity, id ComponentID) (any, bool) {
	if !w.Alive(e) {
		return nil, false
	}
	c, ok := w.components[id][e.ID]
	return c, ok
}

func (w *MapWorld) HasComponent(e Entity, id ComponentID) bool {
	_, ok := w.GetComponent(e, id)
	return ok
}

func (w *MapWorld) Each(id ComponentID, fn func(e Entity, component any) bool) {
	store := w.components[id]
	ids := make([]uint32, 0, len(store))
	for eid := range store {
		ids = append(ids, eid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, eid := range ids {
		if !fn(Entity{ID: eid, Version: w.versions[eid]}, store[eid]) {
			return
		}
	}
}

// Count is the number of live entities carrying id.
func (w *MapWorld) Count(id ComponentID) int {
	return len(w.components[id])
}
