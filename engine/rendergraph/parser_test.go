package rendergraph

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/memory"
)

// passes are declared out of execution order on purpose
const deferredGraph = `{
	"name": "deferred",
	"passes": [
		{
			"name": "compose",
			"inputs": [
				{"type": "texture", "name": "lit"},
				{"type": "texture", "name": "sky", "external": true}
			],
			"outputs": [
				{"type": "attachment", "name": "final", "format": "RGBA8", "op": "clear", "resolution": [0, 0], "per_frame": true}
			]
		},
		{
			"name": "gbuffer",
			"enabled": 1,
			"outputs": [
				{"type": "attachment", "name": "albedo", "format": "VK_FORMAT_R8G8B8A8_UNORM", "op": "clear", "resolution": [0, 0]},
				{"type": "attachment", "name": "depth", "format": "D32F", "op": "clear", "resolution": [0, 0]}
			]
		},
		{
			"name": "lighting",
			"inputs": [
				{"type": "attachment", "name": "albedo"},
				{"type": "attachment", "name": "depth"}
			],
			"outputs": [
				{"type": "texture", "name": "lit", "format": "RGBA16F", "resolution": [0, 0]},
				{"type": "buffer", "name": "light_list", "size": 256, "usage": ["storage", "uniform"], "memory": "cpu_to_gpu"}
			]
		}
	]
}`

func parseString(t *testing.T, src string) (*Graph, error) {
	t.Helper()
	return Parse([]byte(src), memory.NewLinearAllocator(1<<16))
}

func mustParse(t *testing.T, src string) *Graph {
	t.Helper()
	g, err := parseString(t, src)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return g
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func TestParse_DeferredOrder(t *testing.T) {
	g := mustParse(t, deferredGraph)

	if g.Name != "deferred" {
		t.Errorf("Name = %q", g.Name)
	}
	if got, want := names(g.Order()), []string{"gbuffer", "lighting", "compose"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
	if got := len(g.Levels()); got != 3 {
		t.Errorf("len(Levels()) = %d, want 3", got)
	}

	albedo, _ := g.ResourceByName("albedo")
	if albedo.Format != gpu.FormatRGBA8Unorm || !albedo.FollowsSwapchain() || albedo.Type != ResourceAttachment {
		t.Errorf("albedo = %+v", albedo)
	}
	sky, _ := g.ResourceByName("sky")
	if !sky.External || sky.Producer.IsValid() {
		t.Errorf("sky should be purely external: %+v", sky)
	}
	lights, _ := g.ResourceByName("light_list")
	if lights.Size != 256 || !lights.Usage.Has(gpu.BufferUsageStorage|gpu.BufferUsageUniform) || lights.Memory != gpu.MemoryCPUToGPU {
		t.Errorf("light_list = %+v", lights)
	}
	final, _ := g.ResourceByName("final")
	if !final.PerFrame {
		t.Error("final should be per frame")
	}

	compose, _ := g.NodeByName("compose")
	lighting, _ := g.NodeByName("lighting")
	if len(compose.Edges) != 1 || compose.Edges[0] != lighting.Handle {
		t.Errorf("compose edges = %v, want [lighting]", compose.Edges)
	}
}

func TestParse_Deterministic(t *testing.T) {
	src := `{"passes": [
		{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]},
		{"name": "b", "outputs": [{"type": "buffer", "name": "y", "size": 4}]},
		{"name": "c", "inputs": [{"type": "buffer", "name": "y"}, {"type": "buffer", "name": "x"}]},
		{"name": "d", "inputs": [{"type": "buffer", "name": "x"}]}
	]}`
	for range 5 {
		g := mustParse(t, src)
		if got, want := names(g.Order()), []string{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("Order() = %v, want %v", got, want)
		}
		levels := g.Levels()
		if len(levels) != 2 || !reflect.DeepEqual(names(levels[0]), []string{"a", "b"}) || !reflect.DeepEqual(names(levels[1]), []string{"c", "d"}) {
			t.Fatalf("Levels() = %v", levels)
		}
	}
}

func TestParse_ReferenceOrdersWriters(t *testing.T) {
	src := `{"passes": [
		{"name": "compose", "inputs": [{"type": "attachment", "name": "color"}]},
		{"name": "overlay", "outputs": [{"type": "reference", "name": "color"}]},
		{"name": "scene", "outputs": [{"type": "attachment", "name": "color", "format": "RGBA8", "resolution": [64, 64]}]}
	]}`
	g := mustParse(t, src)
	if got, want := names(g.Order()), []string{"scene", "overlay", "compose"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
	overlay, _ := g.NodeByName("overlay")
	if len(overlay.References) != 1 || len(overlay.Outputs) != 1 {
		t.Errorf("overlay references = %v, outputs = %v", overlay.References, overlay.Outputs)
	}
}

func TestParse_Cycle(t *testing.T) {
	src := `{"passes": [
		{"name": "a", "inputs": [{"type": "buffer", "name": "y"}], "outputs": [{"type": "buffer", "name": "x", "size": 4}]},
		{"name": "b", "inputs": [{"type": "buffer", "name": "x"}], "outputs": [{"type": "buffer", "name": "y", "size": 4}]}
	]}`
	_, err := parseString(t, src)
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("Parse() error = %v, want CycleError", err)
	}
	if !errors.Is(err, core.ErrParse) {
		t.Error("CycleError should be a parse error")
	}
	if len(cycle.Nodes) != 3 || cycle.Nodes[0] != cycle.Nodes[2] {
		t.Errorf("cycle = %v", cycle.Nodes)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no passes", `{"passes": []}`},
		{"unknown field", `{"passes": [{"name": "a", "colour": 1}]}`},
		{"bad enabled", `{"passes": [{"name": "a", "enabled": 2}]}`},
		{"unknown output type", `{"passes": [{"name": "a", "outputs": [{"type": "image", "name": "x"}]}]}`},
		{"unknown input type", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]}, {"name": "b", "inputs": [{"type": "image", "name": "x"}]}]}`},
		{"unknown format", `{"passes": [{"name": "a", "outputs": [{"type": "texture", "name": "x", "format": "RGB565", "resolution": [1, 1]}]}]}`},
		{"unknown op", `{"passes": [{"name": "a", "outputs": [{"type": "texture", "name": "x", "format": "RGBA8", "op": "discard", "resolution": [1, 1]}]}]}`},
		{"short resolution", `{"passes": [{"name": "a", "outputs": [{"type": "texture", "name": "x", "format": "RGBA8", "resolution": [1]}]}]}`},
		{"half zero resolution", `{"passes": [{"name": "a", "outputs": [{"type": "texture", "name": "x", "format": "RGBA8", "resolution": [0, 8]}]}]}`},
		{"zero size buffer", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x"}]}]}`},
		{"unknown usage", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4, "usage": ["sparkly"]}]}]}`},
		{"unknown memory", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4, "memory": "vram"}]}]}`},
		{"duplicate pass", `{"passes": [{"name": "a"}, {"name": "a"}]}`},
		{"duplicate resource", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]}, {"name": "b", "outputs": [{"type": "buffer", "name": "x", "size": 4}]}]}`},
		{"undeclared reference", `{"passes": [{"name": "a", "outputs": [{"type": "reference", "name": "ghost"}]}]}`},
		{"unproduced input", `{"passes": [{"name": "a", "inputs": [{"type": "texture", "name": "ghost"}]}]}`},
		{"duplicate input", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]}, {"name": "b", "inputs": [{"type": "buffer", "name": "x"}, {"type": "buffer", "name": "x"}]}]}`},
		{"type mismatch", `{"passes": [{"name": "a", "outputs": [{"type": "buffer", "name": "x", "size": 4}]}, {"name": "b", "inputs": [{"type": "texture", "name": "x"}]}]}`},
		{"unnamed pass", `{"passes": [{"outputs": []}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := parseString(t, tt.src)
			if g != nil {
				t.Error("Parse() returned a graph on error")
			}
			if !errors.Is(err, core.ErrParse) {
				t.Errorf("Parse() error = %v, want ErrParse", err)
			}
		})
	}
}

func TestParse_MalformedOffset(t *testing.T) {
	_, err := parseString(t, `{"passes": [ {"name": "a",, } ]}`)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Parse() error = %v, want ParseError", err)
	}
	// the second comma sits at byte 26
	if perr.Offset < 25 || perr.Offset > 27 {
		t.Errorf("Offset = %d, want near 26", perr.Offset)
	}
}

func TestParseFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deferred.json")
	if err := os.WriteFile(path, []byte(deferredGraph), 0o644); err != nil {
		t.Fatal(err)
	}

	temp := memory.NewLinearAllocator(1 << 16)
	g, err := ParseFromFile(path, temp)
	if err != nil {
		t.Fatalf("ParseFromFile() error = %v", err)
	}
	if len(g.Nodes()) != 3 {
		t.Errorf("len(Nodes()) = %d, want 3", len(g.Nodes()))
	}
	if temp.Used() != 0 {
		t.Errorf("scratch still holds %d bytes after parse", temp.Used())
	}
	if temp.HighWater() < uint64(len(deferredGraph)) {
		t.Errorf("HighWater() = %d, file was not read through the scratch allocator", temp.HighWater())
	}
}

func TestParseFromFile_Missing(t *testing.T) {
	_, err := ParseFromFile(filepath.Join(t.TempDir(), "nope.json"), memory.NewLinearAllocator(1024))
	if !errors.Is(err, core.ErrParse) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ParseFromFile() error = %v, want ErrParse wrapping ErrNotExist", err)
	}
}

func TestParseFromFile_LogsPathVerbatim(t *testing.T) {
	var buf bytes.Buffer
	core.SetLogOutput(&buf)
	t.Cleanup(func() { core.SetLogOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "100%done_%s.json")
	if _, err := ParseFromFile(path, memory.NewLinearAllocator(1024)); !errors.Is(err, core.ErrParse) {
		t.Fatalf("ParseFromFile() error = %v, want ErrParse", err)
	}
	out := buf.String()
	if !strings.Contains(out, "100%done_%s.json") || strings.Contains(out, "%!") {
		t.Errorf("log = %q, want the path verbatim", out)
	}
}

func TestParse_ConsumerDeclaredBeforeProducer(t *testing.T) {
	g := mustParse(t, deferredGraph)
	lit, _ := g.ResourceByName("lit")
	compose, _ := g.NodeByName("compose")
	lighting, _ := g.NodeByName("lighting")
	if lit.Producer != lighting.Handle {
		t.Fatalf("lit produced by %v, want lighting", lit.Producer)
	}
	order := names(g.Order())
	if slices.Index(order, "lighting") > slices.Index(order, "compose") || compose.Handle == lighting.Handle {
		t.Errorf("Order() = %v, lighting must run before compose", order)
	}
}

func TestParseFromFile_ScratchTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deferred.json")
	if err := os.WriteFile(path, []byte(deferredGraph), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ParseFromFile(path, memory.NewLinearAllocator(64))
	if !errors.Is(err, core.ErrResourceExhausted) {
		t.Errorf("ParseFromFile() error = %v, want ErrResourceExhausted", err)
	}
}

func TestGraph_RefCounts(t *testing.T) {
	g := mustParse(t, deferredGraph)
	albedo, _ := g.ResourceByName("albedo")
	lighting, _ := g.NodeByName("lighting")

	g.BeginFrame(7)
	if albedo.RefCount() != 1 {
		t.Fatalf("RefCount() = %d, want 1", albedo.RefCount())
	}
	g.Retire(lighting)
	if albedo.RefCount() != 0 || !albedo.ReleasedIn(7) || albedo.Releases() != 1 {
		t.Errorf("after retire: count %d, released %v, releases %d", albedo.RefCount(), albedo.ReleasedIn(7), albedo.Releases())
	}
	g.Retire(lighting)
	if albedo.RefCount() != 0 || albedo.Releases() != 1 {
		t.Errorf("second retire: count %d, releases %d", albedo.RefCount(), albedo.Releases())
	}

	g.BeginFrame(8)
	if albedo.RefCount() != 1 || albedo.ReleasedIn(8) {
		t.Error("BeginFrame did not reset the count")
	}
}

func TestGraph_SetEnabled(t *testing.T) {
	g := mustParse(t, deferredGraph)
	if err := g.SetEnabled("lighting", false); err != nil {
		t.Fatal(err)
	}
	n, _ := g.NodeByName("lighting")
	if n.Enabled() {
		t.Error("lighting still enabled")
	}
	if err := g.SetEnabled("missing", true); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("SetEnabled(missing) error = %v", err)
	}
}

func TestGraph_RegisterExternal(t *testing.T) {
	g := mustParse(t, deferredGraph)
	if err := g.RegisterExternalTexture("albedo", gpu.TextureHandle{}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("registering a graph-created resource error = %v", err)
	}
	if err := g.RegisterExternalBuffer("sky", gpu.BufferHandle{}); !errors.Is(err, core.ErrConfiguration) {
		t.Errorf("registering a buffer for a texture error = %v", err)
	}
	if err := g.RegisterExternalTexture("sky"); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("registering no handles error = %v", err)
	}
}
