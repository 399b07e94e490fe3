// Package technique loads named collections of GPU pipelines from TOML
// files and resolves (technique, pass) pairs to pipeline handles.
package technique

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/crude/engine/core"
	"github.com/spaghettifunk/crude/engine/gpu"
)

const FileExtension = ".toml"

type passFile struct {
	Name   string `toml:"name"`
	Kind   string `toml:"kind"`
	Shader string `toml:"shader"`
}

type techniqueFile struct {
	Name   string     `toml:"name"`
	Passes []passFile `toml:"passes"`
}

// NotFoundError is returned when a pass asks for a pipeline that is not in
// the loaded technique set.
type NotFoundError struct {
	Technique string
	Pass      string
}

func (e *NotFoundError) Error() string {
	if e.Pass == "" {
		return fmt.Sprintf("technique %q not loaded", e.Technique)
	}
	return fmt.Sprintf("technique %q has no pass %q", e.Technique, e.Pass)
}

func (e *NotFoundError) Unwrap() error {
	return core.ErrConfiguration
}

type Technique struct {
	Name   string
	Path   string
	Passes map[string]gpu.PipelineHandle
}

// Cache owns the pipelines of every loaded technique.
type Cache struct {
	table *gpu.ResourceTable

	mu         sync.RWMutex
	techniques map[string]*Technique
	// replaced techniques, destroyed once every frame has moved past them
	retired    []retiredTechnique
	generation atomic.Uint64

	listenersMu sync.Mutex
	listeners   []func(name string)
}

type retiredTechnique struct {
	technique *Technique
	// first generation that no longer hands out its pipelines
	generation uint64
}

func NewCache(table *gpu.ResourceTable) *Cache {
	return &Cache{table: table, techniques: make(map[string]*Technique)}
}

// LoadDir loads every technique file under dir. A broken file does not stop
// the others from loading; all failures are returned joined.
func (c *Cache) LoadDir(dir string) error {
	var errs []error
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), FileExtension) {
			return nil
		}
		if _, err := c.Load(path); err != nil {
			core.LogError("%v", err)
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("load techniques from %s: %w", dir, walkErr)
	}
	return errors.Join(errs...)
}

// Load parses path and creates its pipelines. A technique already loaded
// under the same name is replaced; its old pipelines stay alive until
// ReleaseRetired is called with the new generation.
func (c *Cache) Load(path string) (string, error) {
	file, err := decodeFile(path)
	if err != nil {
		return "", err
	}

	t := &Technique{Name: file.Name, Path: path, Passes: make(map[string]gpu.PipelineHandle, len(file.Passes))}
	for _, p := range file.Passes {
		kind, _ := gpu.ParsePipelineKind(p.Kind)
		shader := p.Shader
		if shader != "" && !filepath.IsAbs(shader) {
			shader = filepath.Join(filepath.Dir(path), shader)
		}
		h, err := c.table.CreatePipeline(gpu.PipelineDesc{
			Name:      file.Name + "/" + p.Name,
			Technique: file.Name,
			Pass:      p.Name,
			Kind:      kind,
			Shader:    shader,
		})
		if err != nil {
			c.destroy(t)
			return "", fmt.Errorf("technique %q pass %q: %w", file.Name, p.Name, err)
		}
		t.Passes[p.Name] = h
	}

	c.mu.Lock()
	old := c.techniques[t.Name]
	c.techniques[t.Name] = t
	gen := c.generation.Add(1)
	if old != nil {
		c.retired = append(c.retired, retiredTechnique{technique: old, generation: gen})
	}
	c.mu.Unlock()

	if old != nil {
		core.LogDebug("technique %q replaced from %s", t.Name, path)
	} else {
		core.LogDebug("technique %q loaded with %d passes", t.Name, len(t.Passes))
	}
	return t.Name, nil
}

// Reload loads path again and notifies OnReload listeners on success.
func (c *Cache) Reload(path string) (string, error) {
	name, err := c.Load(path)
	if err != nil {
		return "", err
	}
	c.listenersMu.Lock()
	listeners := append([]func(string){}, c.listeners...)
	c.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(name)
	}
	return name, nil
}

func (c *Cache) OnReload(fn func(name string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Pipeline resolves a (technique, pass) pair. Missing entries are a
// *NotFoundError.
func (c *Cache) Pipeline(technique, pass string) (gpu.PipelineHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.techniques[technique]
	if !ok {
		return gpu.PipelineHandle{}, &NotFoundError{Technique: technique}
	}
	h, ok := t.Passes[pass]
	if !ok {
		return gpu.PipelineHandle{}, &NotFoundError{Technique: technique, Pass: pass}
	}
	return h, nil
}

// Generation changes every time any technique is loaded or replaced.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

// ReleaseRetired destroys the pipelines of techniques replaced at or before
// generation applied. Callers pass the oldest generation any in-flight frame
// may still be using.
func (c *Cache) ReleaseRetired(applied uint64) {
	c.mu.Lock()
	var release []*Technique
	kept := c.retired[:0]
	for _, r := range c.retired {
		if r.generation <= applied {
			release = append(release, r.technique)
		} else {
			kept = append(kept, r)
		}
	}
	c.retired = kept
	c.mu.Unlock()

	for _, t := range release {
		c.destroy(t)
		core.LogDebug("technique %q: released %d replaced pipeline(s)", t.Name, len(t.Passes))
	}
}

// Retired is the number of replaced techniques still waiting for release.
func (c *Cache) Retired() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.retired)
}

func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.techniques))
	for name := range c.techniques {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown destroys every pipeline the cache created, retired ones included.
// The device must be idle.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	techniques := c.techniques
	c.techniques = make(map[string]*Technique)
	retired := c.retired
	c.retired = nil
	c.mu.Unlock()
	for _, t := range techniques {
		c.destroy(t)
	}
	for _, r := range retired {
		c.destroy(r.technique)
	}
}

func (c *Cache) destroy(t *Technique) {
	for pass, h := range t.Passes {
		if err := c.table.DestroyPipeline(h); err != nil {
			core.LogWarn("technique %q pass %q: %v", t.Name, pass, err)
		}
	}
}

func decodeFile(path string) (*techniqueFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open technique %s: %w", path, errors.Join(core.ErrConfiguration, err))
	}
	defer f.Close()

	var file techniqueFile
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&file); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("technique %s:%d:%d: %s: %w", path, row, col, derr.Error(), core.ErrConfiguration)
		}
		return nil, fmt.Errorf("technique %s: %s: %w", path, err.Error(), core.ErrConfiguration)
	}

	if file.Name == "" {
		return nil, fmt.Errorf("technique %s has no name: %w", path, core.ErrConfiguration)
	}
	if len(file.Passes) == 0 {
		return nil, fmt.Errorf("technique %q has no passes: %w", file.Name, core.ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(file.Passes))
	for _, p := range file.Passes {
		if p.Name == "" {
			return nil, fmt.Errorf("technique %q has a pass without a name: %w", file.Name, core.ErrConfiguration)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("technique %q declares pass %q twice: %w", file.Name, p.Name, core.ErrConfiguration)
		}
		seen[p.Name] = struct{}{}
		if _, ok := gpu.ParsePipelineKind(p.Kind); !ok {
			return nil, fmt.Errorf("technique %q pass %q: unknown kind %q: %w", file.Name, p.Name, p.Kind, core.ErrConfiguration)
		}
	}
	return &file, nil
}
