package rendergraph

import (
	"container/heap"
	"fmt"

	"github.com/spaghettifunk/crude/engine/containers"
	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/memory"
)

const (
	maxNodes     = 128
	maxResources = 512
)

// Graph is the compiled DAG of passes and resources. Structure is fixed
// after Compile; only enable flags, ref counts and bound instances change.
type Graph struct {
	Name string

	arena     *memory.StringArena
	nodes     *containers.Pool[*Node]
	resources *containers.Pool[*Resource]

	nodeList     []*Node
	resourceList []*Resource
	nodeByName   map[string]*Node
	resByName    map[string]*Resource

	order    []*Node
	levels   [][]*Node
	compiled bool
	frame    uint64
}

func newGraph(name string) *Graph {
	arena := memory.NewStringArena(0)
	return &Graph{
		Name:       arena.Intern(name),
		arena:      arena,
		nodes:      containers.NewPool[*Node](maxNodes),
		resources:  containers.NewPool[*Resource](maxResources),
		nodeByName: make(map[string]*Node),
		resByName:  make(map[string]*Resource),
	}
}

func (g *Graph) addNode(name string, enabled bool) (*Node, error) {
	if _, dup := g.nodeByName[name]; dup {
		return nil, parseErrorf(name, "duplicate pass name")
	}
	h, slot, err := g.nodes.Allocate()
	if err != nil {
		return nil, &ParseError{Offset: -1, Pass: name, Msg: "too many passes", Err: err}
	}
	n := &Node{Handle: NodeHandle{h}, Name: g.arena.Intern(name), Index: len(g.nodeList)}
	n.enabled.Store(enabled)
	*slot = n
	g.nodeList = append(g.nodeList, n)
	g.nodeByName[n.Name] = n
	return n, nil
}

func (g *Graph) addResource(r *Resource) (*Resource, error) {
	if _, dup := g.resByName[r.Name]; dup {
		return nil, parseErrorf("", "resource %q declared twice", r.Name)
	}
	h, slot, err := g.resources.Allocate()
	if err != nil {
		return nil, &ParseError{Offset: -1, Msg: "too many resources", Err: err}
	}
	r.Handle = ResourceHandle{h}
	r.Name = g.arena.Intern(r.Name)
	r.Index = len(g.resourceList)
	*slot = r
	g.resourceList = append(g.resourceList, r)
	g.resByName[r.Name] = r
	return r, nil
}

func (g *Graph) Node(h NodeHandle) (*Node, bool) {
	n, ok := g.nodes.Get(h.Handle)
	if !ok {
		return nil, false
	}
	return *n, true
}

func (g *Graph) Resource(h ResourceHandle) (*Resource, bool) {
	r, ok := g.resources.Get(h.Handle)
	if !ok {
		return nil, false
	}
	return *r, true
}

func (g *Graph) NodeByName(name string) (*Node, bool) {
	n, ok := g.nodeByName[name]
	return n, ok
}

func (g *Graph) ResourceByName(name string) (*Resource, bool) {
	r, ok := g.resByName[name]
	return r, ok
}

// Nodes returns the passes in declaration order.
func (g *Graph) Nodes() []*Node {
	return g.nodeList
}

// Resources returns the resources in declaration order.
func (g *Graph) Resources() []*Resource {
	return g.resourceList
}

// Order is the execution order computed by Compile.
func (g *Graph) Order() []*Node {
	return g.order
}

// Levels groups the execution order into sets of passes with no
// dependencies between them.
func (g *Graph) Levels() [][]*Node {
	return g.levels
}

// SetEnabled toggles a pass by name. Edges and resources are untouched.
func (g *Graph) SetEnabled(name string, enabled bool) error {
	n, ok := g.nodeByName[name]
	if !ok {
		return fmt.Errorf("pass %q: %w", name, core.ErrConfiguration)
	}
	n.SetEnabled(enabled)
	return nil
}

// RegisterExternalTexture binds objects created outside the graph to an
// external resource: one handle, or one per swapchain image.
func (g *Graph) RegisterExternalTexture(name string, handles ...gpu.TextureHandle) error {
	r, err := g.external(name, len(handles))
	if err != nil {
		return err
	}
	if !r.IsTexture() {
		return fmt.Errorf("external resource %q is a %s, not a texture: %w", name, r.Type, core.ErrConfiguration)
	}
	r.textures = append(r.textures[:0], handles...)
	return nil
}

func (g *Graph) RegisterExternalBuffer(name string, handles ...gpu.BufferHandle) error {
	r, err := g.external(name, len(handles))
	if err != nil {
		return err
	}
	if r.Type != ResourceBuffer {
		return fmt.Errorf("external resource %q is a %s, not a buffer: %w", name, r.Type, core.ErrConfiguration)
	}
	r.buffers = append(r.buffers[:0], handles...)
	return nil
}

func (g *Graph) external(name string, count int) (*Resource, error) {
	r, ok := g.resByName[name]
	if !ok {
		return nil, fmt.Errorf("resource %q: %w", name, core.ErrConfiguration)
	}
	if !r.External {
		return nil, fmt.Errorf("resource %q is created by the graph: %w", name, core.ErrConfiguration)
	}
	if count == 0 {
		return nil, fmt.Errorf("resource %q: no handles: %w", name, core.ErrInvalidHandle)
	}
	return r, nil
}

// Compile derives the edges, rejects cycles and unproduced inputs, and
// computes the execution order and levels.
func (g *Graph) Compile() error {
	for _, n := range g.nodeList {
		deps := make(map[NodeHandle]struct{})
		for _, rh := range n.Inputs {
			r, _ := g.Resource(rh)
			if !r.Producer.IsValid() && !r.External {
				return parseErrorf(n.Name, "consumes %q which no pass produces", r.Name)
			}
			if r.Producer.IsValid() {
				// a pass reading its own output is reported as a cycle below
				deps[r.Producer] = struct{}{}
			}
			for _, w := range r.Writers {
				if w != n.Handle {
					deps[w] = struct{}{}
				}
			}
		}
		for _, rh := range n.References {
			r, _ := g.Resource(rh)
			if r.Producer.IsValid() && r.Producer != n.Handle {
				deps[r.Producer] = struct{}{}
			}
		}

		n.Edges = n.Edges[:0]
		for _, dep := range g.nodeList {
			if _, ok := deps[dep.Handle]; ok {
				n.Edges = append(n.Edges, dep.Handle)
			}
		}
	}

	if err := g.detectCycle(); err != nil {
		return err
	}
	g.sort()
	g.compiled = true
	g.BeginFrame(0)
	return nil
}

const (
	white = iota
	grey
	black
)

// detectCycle walks dependency edges depth first; meeting a grey node means a cycle.
func (g *Graph) detectCycle() error {
	colour := make(map[NodeHandle]int, len(g.nodeList))
	var stack []*Node

	var visit func(n *Node) error
	visit = func(n *Node) error {
		colour[n.Handle] = grey
		stack = append(stack, n)
		for _, eh := range n.Edges {
			e, _ := g.Node(eh)
			switch colour[eh] {
			case grey:
				return g.cycleFrom(stack, e)
			case white:
				if err := visit(e); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[n.Handle] = black
		return nil
	}

	for _, n := range g.nodeList {
		if colour[n.Handle] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// cycleFrom reports the stack segment starting at e in execution direction.
func (g *Graph) cycleFrom(stack []*Node, e *Node) *CycleError {
	start := len(stack) - 1
	for start > 0 && stack[start] != e {
		start--
	}
	// the stack follows dependencies backwards, so reverse it
	names := make([]string, 0, len(stack)-start+1)
	for i := len(stack) - 1; i >= start; i-- {
		names = append(names, stack[i].Name)
	}
	names = append(names, names[0])
	return &CycleError{Nodes: names}
}

type nodeHeap []*Node

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].Index < h[j].Index }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// sort is Kahn's algorithm; among ready passes the earliest declared goes first.
func (g *Graph) sort() {
	indegree := make(map[NodeHandle]int, len(g.nodeList))
	dependents := make(map[NodeHandle][]*Node, len(g.nodeList))
	ready := &nodeHeap{}
	for _, n := range g.nodeList {
		indegree[n.Handle] = len(n.Edges)
		for _, dep := range n.Edges {
			dependents[dep] = append(dependents[dep], n)
		}
		if len(n.Edges) == 0 {
			heap.Push(ready, n)
		}
	}

	g.order = g.order[:0]
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*Node)
		g.order = append(g.order, n)
		for _, d := range dependents[n.Handle] {
			indegree[d.Handle]--
			if indegree[d.Handle] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	g.levels = g.levels[:0]
	for _, n := range g.order {
		n.Level = 0
		for _, dep := range n.Edges {
			d, _ := g.Node(dep)
			if d.Level+1 > n.Level {
				n.Level = d.Level + 1
			}
		}
		for len(g.levels) <= n.Level {
			g.levels = append(g.levels, nil)
		}
		g.levels[n.Level] = append(g.levels[n.Level], n)
	}
}

// BeginFrame resets every ref count to the number of consumers.
func (g *Graph) BeginFrame(frame uint64) {
	g.frame = frame
	for _, r := range g.resourceList {
		r.refCount.Store(int32(len(r.Consumers)))
	}
}

// Retire marks n as done for the frame, executed or skipped, and
// decrements its inputs. A resource whose count reaches zero is released.
func (g *Graph) Retire(n *Node) {
	for _, rh := range n.Inputs {
		r, ok := g.Resource(rh)
		if !ok {
			continue
		}
		for {
			c := r.refCount.Load()
			if c <= 0 {
				break
			}
			if r.refCount.CompareAndSwap(c, c-1) {
				if c == 1 {
					r.releases.Add(1)
					r.releasedFor.Store(g.frame + 1)
				}
				break
			}
		}
	}
}

func (g *Graph) IsCompiled() bool {
	return g.compiled
}
