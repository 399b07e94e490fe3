package technique

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/crude/engine/core"
)

// Watcher reloads technique files when they change on disk. Bursts of
// writes to the same file collapse into one reload after the debounce delay.
type Watcher struct {
	cache    *Cache
	fsnotify *fsnotify.Watcher
	debounce time.Duration
	onReload func(names []string)

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWatcher watches dir and all of its sub-directories. onReload receives
// the names of the techniques that reloaded successfully in one batch.
func NewWatcher(cache *Cache, dir string, debounce time.Duration, onReload func(names []string)) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cache:    cache,
		fsnotify: fsWatch,
		debounce: debounce,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	if err := w.watchRecursive(dir); err != nil {
		fsWatch.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.start()
	return w, nil
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.fsnotify.Close()
	})
	return err
}

func (w *Watcher) start() {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&fsnotify.Create != 0 {
				if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
					if err := w.watchRecursive(e.Name); err != nil {
						core.LogWarn("technique watcher: %s", err.Error())
					}
					continue
				}
			}
			if e.Op&fsnotify.Remove != 0 {
				// the path may have been a directory; nothing else to know
				_ = w.fsnotify.Remove(e.Name)
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 || !strings.EqualFold(filepath.Ext(e.Name), FileExtension) {
				continue
			}
			pending[e.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("technique watcher: %s", err.Error())

		case <-timer.C:
			w.flush(pending)
			clear(pending)

		case <-w.done:
			timer.Stop()
			return
		}
	}
}

func (w *Watcher) flush(pending map[string]struct{}) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var names []string
	for _, p := range paths {
		name, err := w.cache.Reload(p)
		if err != nil {
			// keep the previous pipelines when the edited file is broken
			core.LogError("reload %s: %s", p, err.Error())
			continue
		}
		core.LogInfo("technique %q reloaded", name)
		names = append(names, name)
	}
	if len(names) > 0 && w.onReload != nil {
		w.onReload(names)
	}
}

func (w *Watcher) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return w.fsnotify.Add(path)
		}
		return nil
	})
}
