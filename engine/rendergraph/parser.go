package rendergraph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/memory"
)

type jsonGraph struct {
	Name   string     `json:"name"`
	Passes []jsonPass `json:"passes"`
}

type jsonPass struct {
	Name    string       `json:"name"`
	Enabled *enabledFlag `json:"enabled"`
	Inputs  []jsonInput  `json:"inputs"`
	Outputs []jsonOutput `json:"outputs"`
}

type jsonInput struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	External bool   `json:"external"`
}

type jsonOutput struct {
	Type       string   `json:"type"`
	Name       string   `json:"name"`
	Format     string   `json:"format"`
	Op         string   `json:"op"`
	Resolution []uint32 `json:"resolution"`
	Size       uint64   `json:"size"`
	Usage      []string `json:"usage"`
	Memory     string   `json:"memory"`
	PerFrame   bool     `json:"per_frame"`
	External   bool     `json:"external"`
}

// enabledFlag accepts 0, 1, true and false.
type enabledFlag bool

func (f *enabledFlag) UnmarshalJSON(data []byte) error {
	switch string(bytes.TrimSpace(data)) {
	case "1", "true":
		*f = true
	case "0", "false":
		*f = false
	default:
		return fmt.Errorf("enabled must be 0, 1, true or false, got %s", data)
	}
	return nil
}

var memoryNames = map[string]gpu.MemoryType{
	"":           gpu.MemoryGPUOnly,
	"gpu_only":   gpu.MemoryGPUOnly,
	"cpu_to_gpu": gpu.MemoryCPUToGPU,
	"gpu_to_cpu": gpu.MemoryGPUToCPU,
}

// markable allocators give scratch memory back in one step at the end of a parse.
type markable interface {
	Mark() memory.Marker
	FreeToMarker(memory.Marker)
}

// ParseFromFile reads and parses a render graph description. The file
// contents and all scratch arrays come from temp and are released before
// returning.
func ParseFromFile(path string, temp memory.Allocator) (*Graph, error) {
	if m, ok := temp.(markable); ok {
		defer m.FreeToMarker(m.Mark())
	}

	f, err := os.Open(path)
	if err != nil {
		perr := &ParseError{Path: path, Offset: -1, Msg: "cannot open file", Err: err}
		core.LogError("%v", perr)
		return nil, perr
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &ParseError{Path: path, Offset: -1, Msg: "cannot stat file", Err: err}
	}
	buf, err := temp.Allocate(uint64(st.Size()))
	if err != nil {
		return nil, &ParseError{Path: path, Offset: -1, Msg: "no scratch memory for file", Err: err}
	}
	defer temp.Deallocate(buf)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, &ParseError{Path: path, Offset: -1, Msg: "cannot read file", Err: err}
	}

	g, err := parse(buf, temp)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		core.LogError("%v", err)
		return nil, err
	}
	core.LogDebug("render graph %q parsed from %s: %d passes, %d resources", g.Name, path, len(g.nodeList), len(g.resourceList))
	return g, nil
}

// Parse builds and compiles a graph from a JSON description.
func Parse(data []byte, temp memory.Allocator) (*Graph, error) {
	if m, ok := temp.(markable); ok {
		defer m.FreeToMarker(m.Mark())
	}
	return parse(data, temp)
}

func parse(data []byte, temp memory.Allocator) (*Graph, error) {
	var doc jsonGraph
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, decodeError(err, dec.InputOffset())
	}
	if len(doc.Passes) == 0 {
		return nil, parseErrorf("", "no passes")
	}

	g := newGraph(doc.Name)

	// outputs first, so passes may consume resources declared further down
	outputs := make([][]ResourceHandle, len(doc.Passes))
	for i := range doc.Passes {
		p := &doc.Passes[i]
		if p.Name == "" {
			return nil, parseErrorf("", "pass %d has no name", i)
		}
		enabled := p.Enabled == nil || bool(*p.Enabled)
		n, err := g.addNode(p.Name, enabled)
		if err != nil {
			return nil, err
		}

		scratch, err := memory.AllocSlice[ResourceHandle](temp, len(p.Outputs))
		if err != nil {
			return nil, &ParseError{Offset: -1, Pass: p.Name, Msg: "no scratch memory for outputs", Err: err}
		}
		for j := range p.Outputs {
			o := &p.Outputs[j]
			t, ok := ParseResourceType(o.Type)
			if !ok {
				return nil, parseErrorf(p.Name, "output %q has unknown type %q", o.Name, o.Type)
			}
			if t == ResourceReference {
				continue
			}
			r, err := declareOutput(g, n, t, o)
			if err != nil {
				return nil, err
			}
			scratch[j] = r.Handle
		}
		outputs[i] = scratch
	}

	for i := range doc.Passes {
		p := &doc.Passes[i]
		n := g.nodeList[i]

		for j := range p.Outputs {
			o := &p.Outputs[j]
			if !strings.EqualFold(o.Type, "reference") {
				continue
			}
			r, ok := g.ResourceByName(o.Name)
			if !ok {
				return nil, parseErrorf(p.Name, "reference to undeclared resource %q", o.Name)
			}
			r.Writers = append(r.Writers, n.Handle)
			outputs[i][j] = r.Handle
			n.References = append(n.References, r.Handle)
		}
		n.Outputs = append([]ResourceHandle(nil), outputs[i]...)

		inputs, err := memory.AllocSlice[ResourceHandle](temp, len(p.Inputs))
		if err != nil {
			return nil, &ParseError{Offset: -1, Pass: p.Name, Msg: "no scratch memory for inputs", Err: err}
		}
		for j, in := range p.Inputs {
			r, err := resolveInput(g, p.Name, in)
			if err != nil {
				return nil, err
			}
			for _, prev := range inputs[:j] {
				if prev == r.Handle {
					return nil, parseErrorf(p.Name, "input %q listed twice", in.Name)
				}
			}
			inputs[j] = r.Handle
			r.Consumers = append(r.Consumers, n.Handle)
		}
		n.Inputs = append([]ResourceHandle(nil), inputs...)
	}

	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

func declareOutput(g *Graph, n *Node, t ResourceType, o *jsonOutput) (*Resource, error) {
	if o.Name == "" {
		return nil, parseErrorf(n.Name, "output without a name")
	}
	r := &Resource{
		Name:     o.Name,
		Type:     t,
		External: o.External,
		PerFrame: o.PerFrame,
		Producer: n.Handle,
	}

	switch t {
	case ResourceTexture, ResourceAttachment:
		format, ok := gpu.ParseFormat(o.Format)
		if !ok {
			return nil, parseErrorf(n.Name, "output %q has unknown format %q", o.Name, o.Format)
		}
		op, ok := gpu.ParseLoadOp(o.Op)
		if !ok {
			return nil, parseErrorf(n.Name, "output %q has unknown op %q", o.Name, o.Op)
		}
		if len(o.Resolution) != 2 {
			return nil, parseErrorf(n.Name, "output %q resolution must have 2 elements, got %d", o.Name, len(o.Resolution))
		}
		if (o.Resolution[0] == 0) != (o.Resolution[1] == 0) {
			return nil, parseErrorf(n.Name, "output %q resolution %v is half zero", o.Name, o.Resolution)
		}
		r.Format = format
		r.LoadOp = op
		r.Resolution = [2]uint32{o.Resolution[0], o.Resolution[1]}

	case ResourceBuffer:
		if o.Size == 0 && !o.External {
			return nil, parseErrorf(n.Name, "buffer %q has zero size", o.Name)
		}
		for _, name := range o.Usage {
			u, ok := gpu.ParseBufferUsage(name)
			if !ok {
				return nil, parseErrorf(n.Name, "buffer %q has unknown usage %q", o.Name, name)
			}
			r.Usage |= u
		}
		mem, ok := memoryNames[strings.ToLower(o.Memory)]
		if !ok {
			return nil, parseErrorf(n.Name, "buffer %q has unknown memory %q", o.Name, o.Memory)
		}
		r.Size = o.Size
		r.Memory = mem
	}

	added, err := g.addResource(r)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Pass = n.Name
		}
		return nil, err
	}
	return added, nil
}

func resolveInput(g *Graph, pass string, in jsonInput) (*Resource, error) {
	t, ok := ParseResourceType(in.Type)
	if !ok {
		return nil, parseErrorf(pass, "input %q has unknown type %q", in.Name, in.Type)
	}
	r, found := g.ResourceByName(in.Name)
	if !found {
		if !in.External {
			return nil, parseErrorf(pass, "consumes %q which no pass produces", in.Name)
		}
		if t == ResourceReference {
			return nil, parseErrorf(pass, "external input %q needs a concrete type", in.Name)
		}
		return g.addResource(&Resource{Name: in.Name, Type: t, External: true})
	}
	if t == ResourceReference {
		return r, nil
	}
	if r.IsTexture() != (t == ResourceTexture || t == ResourceAttachment) {
		return nil, parseErrorf(pass, "input %q is declared as %s but is a %s", in.Name, t, r.Type)
	}
	return r, nil
}

func decodeError(err error, fallback int64) *ParseError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	offset := fallback
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	}
	return &ParseError{Offset: offset, Msg: "malformed JSON", Err: err}
}
