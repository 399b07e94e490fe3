package technique

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
	"github.com/spaghettifunk/crude/engine/renderer/headless"
)

const deferredTechnique = `
name = "deferred"

[[passes]]
name = "gbuffer"
kind = "graphics"
shader = "gbuffer.spv"

[[passes]]
name = "lighting"
kind = "compute"
shader = "lighting.spv"
`

func newCache(t *testing.T) (*Cache, *gpu.ResourceTable) {
	t.Helper()
	table := gpu.NewResourceTable(gpu.DefaultTableConfig(), headless.New(headless.Options{}))
	return NewCache(table), table
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCache_LoadDirAndLookup(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deferred.toml", deferredTechnique)
	writeFile(t, dir, "notes.txt", "ignored")

	cache, table := newCache(t)
	if err := cache.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}

	h, err := cache.Pipeline("deferred", "lighting")
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	p, err := table.Pipeline(h)
	if err != nil {
		t.Fatal(err)
	}
	if p.Desc.Kind != gpu.PipelineCompute || p.Desc.Shader != filepath.Join(dir, "lighting.spv") {
		t.Errorf("pipeline desc = %+v", p.Desc)
	}
	if names := cache.Names(); len(names) != 1 || names[0] != "deferred" {
		t.Errorf("Names() = %v", names)
	}
}

func TestCache_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deferred.toml", deferredTechnique)
	cache, _ := newCache(t)
	_ = cache.LoadDir(dir)

	_, err := cache.Pipeline("deferred", "shadows")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Pass != "shadows" {
		t.Fatalf("Pipeline() error = %v, want NotFoundError for pass", err)
	}
	if !errors.Is(err, core.ErrConfiguration) {
		t.Error("NotFoundError does not unwrap to ErrConfiguration")
	}
	if _, err := cache.Pipeline("forward", "gbuffer"); !errors.As(err, &nf) || nf.Technique != "forward" {
		t.Errorf("Pipeline(unknown technique) error = %v", err)
	}
}

func TestCache_ReloadReplacesPipelines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deferred.toml", deferredTechnique)
	cache, table := newCache(t)
	if _, err := cache.Load(path); err != nil {
		t.Fatal(err)
	}
	before, _ := cache.Pipeline("deferred", "gbuffer")
	gen := cache.Generation()

	var notified []string
	cache.OnReload(func(name string) { notified = append(notified, name) })
	if _, err := cache.Reload(path); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after, _ := cache.Pipeline("deferred", "gbuffer")
	if after == before {
		t.Error("Reload() kept the old pipeline handle")
	}
	if cache.Generation() == gen {
		t.Error("Generation() unchanged after reload")
	}
	if len(notified) != 1 || notified[0] != "deferred" {
		t.Errorf("listeners got %v", notified)
	}

	// frames may still record with the old pipeline until they move on
	if _, err := table.Pipeline(before); err != nil {
		t.Errorf("old pipeline destroyed before release: %v", err)
	}
	if cache.Retired() != 1 {
		t.Fatalf("Retired() = %d, want 1", cache.Retired())
	}
	cache.ReleaseRetired(gen)
	if _, err := table.Pipeline(before); err != nil {
		t.Errorf("old pipeline released by an older generation: %v", err)
	}
	cache.ReleaseRetired(cache.Generation())
	if _, err := table.Pipeline(before); !errors.Is(err, core.ErrInvalidHandle) {
		t.Errorf("old pipeline still alive after release: %v", err)
	}
	if cache.Retired() != 0 {
		t.Errorf("Retired() = %d after release, want 0", cache.Retired())
	}
	if s := table.Stats(); s.Pipelines != 2 {
		t.Errorf("table holds %d pipelines, want 2", s.Pipelines)
	}
}

func TestCache_ShutdownReleasesRetired(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deferred.toml", deferredTechnique)
	cache, table := newCache(t)
	_, _ = cache.Load(path)
	_, _ = cache.Load(path)
	cache.Shutdown()
	if s := table.Stats(); s.Pipelines != 0 {
		t.Errorf("table holds %d pipelines after Shutdown, want 0", s.Pipelines)
	}
}

func TestCache_BrokenReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deferred.toml", deferredTechnique)
	cache, _ := newCache(t)
	_, _ = cache.Load(path)
	before, _ := cache.Pipeline("deferred", "gbuffer")

	writeFile(t, dir, "deferred.toml", "name = \"deferred\"\n[[passes]]\nname = \"gbuffer\"\nkind = \"tessellation\"\n")
	if _, err := cache.Reload(path); !errors.Is(err, core.ErrConfiguration) {
		t.Fatalf("Reload(broken) error = %v, want ErrConfiguration", err)
	}
	if h, err := cache.Pipeline("deferred", "gbuffer"); err != nil || h != before {
		t.Errorf("Pipeline() after broken reload = %v, %v", h, err)
	}
}

func TestDecodeFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown-key.toml": "name = \"x\"\ncolour = 1\n[[passes]]\nname = \"a\"\n",
		"no-name.toml":     "[[passes]]\nname = \"a\"\n",
		"no-passes.toml":   "name = \"x\"\n",
		"dup-pass.toml":    "name = \"x\"\n[[passes]]\nname = \"a\"\n[[passes]]\nname = \"a\"\n",
		"syntax.toml":      "name = \n",
	}
	for file, content := range tests {
		path := writeFile(t, dir, file, content)
		if _, err := decodeFile(path); !errors.Is(err, core.ErrConfiguration) {
			t.Errorf("decodeFile(%s) error = %v, want ErrConfiguration", file, err)
		}
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "deferred.toml", deferredTechnique)
	cache, _ := newCache(t)
	if _, err := cache.Load(path); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan []string, 4)
	w, err := NewWatcher(cache, dir, 20*time.Millisecond, func(names []string) { reloaded <- names })
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	// a burst of saves collapses into one reload
	for i := 0; i < 3; i++ {
		writeFile(t, dir, "deferred.toml", deferredTechnique)
	}

	select {
	case names := <-reloaded:
		if len(names) != 1 || names[0] != "deferred" {
			t.Errorf("onReload(%v), want [deferred]", names)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after writing the technique file")
	}
}
