package world

import (
	"errors"
	"sync"
	"testing"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/math"
)

func TestMapWorld_StaleEntity(t *testing.T) {
	w := NewMapWorld()
	e := w.CreateEntity()
	if err := w.SetComponent(e, ComponentTransform, NewTransform(math.NewVec3Zero())); err != nil {
		t.Fatal(err)
	}
	if err := w.DestroyEntity(e); err != nil {
		t.Fatal(err)
	}
	reused := w.CreateEntity()
	if reused.ID != e.ID || reused.Version == e.Version {
		t.Fatalf("CreateEntity() = %v, want reused id with new version", reused)
	}
	if w.HasComponent(e, ComponentTransform) || w.Alive(e) {
		t.Error("stale entity still resolves")
	}
	if err := w.SetComponent(e, ComponentBounds, Bounds{}); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("SetComponent(stale) error = %v, want ErrInvalidHandle", err)
	}
	if w.Alive(Entity{}) {
		t.Error("zero entity is alive")
	}
}

func TestMapWorld_EachOrdered(t *testing.T) {
	w := NewMapWorld()
	for i := 0; i < 5; i++ {
		e := w.CreateEntity()
		if i%2 == 0 {
			_ = w.SetComponent(e, ComponentBounds, Bounds{Radius: float32(i)})
		}
	}
	var got []float32
	w.Each(ComponentBounds, func(e Entity, c any) bool {
		got = append(got, c.(Bounds).Radius)
		return true
	})
	if len(got) != 3 || got[0] != 0 || got[1] != 2 || got[2] != 4 {
		t.Errorf("Each() visited %v, want [0 2 4]", got)
	}
}

func TestMapWorld_RemoveComponent(t *testing.T) {
	w := NewMapWorld()
	e := w.CreateEntity()
	_ = w.SetComponent(e, ComponentBounds, Bounds{Radius: 1})
	w.RemoveComponent(e, ComponentBounds)
	if w.HasComponent(e, ComponentBounds) {
		t.Error("HasComponent() after RemoveComponent")
	}
	if w.Count(ComponentBounds) != 0 {
		t.Errorf("Count() = %d, want 0", w.Count(ComponentBounds))
	}
}

func TestGet_Typed(t *testing.T) {
	w := NewMapWorld()
	e := w.CreateEntity()
	_ = w.SetComponent(e, ComponentCamera, NewCamera())
	if _, ok := Get[Camera](w, e, ComponentCamera); !ok {
		t.Error("Get[Camera]() = false")
	}
	if _, ok := Get[Bounds](w, e, ComponentCamera); ok {
		t.Error("Get[Bounds]() on a camera = true")
	}
}

func TestBounds_WorldSphere(t *testing.T) {
	tr := NewTransform(math.NewVec3(10, 0, 0))
	tr.Scale = math.NewVec3(1, 3, 1)
	s := Bounds{Radius: 2}.WorldSphere(tr)
	if !s.Center.Compare(math.NewVec3(10, 0, 0), 1e-5) || s.Radius != 6 {
		t.Errorf("WorldSphere() = %+v", s)
	}
}

func TestCamera_FrustumSeesForward(t *testing.T) {
	cam := NewCamera()
	f := cam.Frustum(16.0 / 9.0)
	if !f.IntersectsSphere(math.Sphere{Center: math.NewVec3(0, 0, -20), Radius: 1}) {
		t.Error("object in front of the camera culled")
	}
	if f.IntersectsSphere(math.Sphere{Center: math.NewVec3(0, 0, 20), Radius: 1}) {
		t.Error("object behind the camera visible")
	}
}

func TestScene_ConcurrentAccess(t *testing.T) {
	w := NewMapWorld()
	scene := NewScene(w)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scene.With(func(w *World) {
				mw := (*w).(*MapWorld)
				e := mw.CreateEntity()
				_ = mw.SetComponent(e, ComponentBounds, Bounds{})
			})
		}()
	}
	wg.Wait()
	if w.Count(ComponentBounds) != 8 {
		t.Errorf("Count() = %d, want 8", w.Count(ComponentBounds))
	}
}
