package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ncobase/guardrail/logging/logger"
)

// DefaultDebounce is how long the watcher waits for a directory to settle
const DefaultDebounce = 500 * time.Millisecond

// Watcher loads plugin directories that appear under the loader's roots,
// reloads changed ones and unloads removed ones
type Watcher struct {
	loader   *Loader
	roots    []string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher watches roots, or the loader's directories when roots is empty
func NewWatcher(loader *Loader, debounce time.Duration, roots ...string) (*Watcher, error) {
	if len(roots) == 0 {
		roots = loader.Directories()
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("plugin watcher: no directories to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		loader:   loader,
		debounce: debounce,
		watcher:  fw,
		pending:  make(map[string]*time.Timer),
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		if err := w.addTree(abs); err != nil {
			_ = fw.Close()
			return nil, err
		}
		w.roots = append(w.roots, abs)
	}
	return w, nil
}

// addTree watches root and its direct subdirectories
func (w *Watcher) addTree(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := w.watcher.Add(filepath.Join(root, e.Name())); err != nil {
				return fmt.Errorf("watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Run handles events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	logger.Infof(ctx, "watching plugin directories %v", w.roots)
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				w.stop()
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.stop()
				return nil
			}
			logger.Errorf(ctx, "plugin watcher: %v", err)
		}
	}
}

// Close stops the watcher
func (w *Watcher) Close() error {
	w.stop()
	err := w.watcher.Close()
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for dir, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, dir)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	dir, ok := w.pluginDir(ev.Name)
	if !ok {
		return
	}
	if ev.Name == dir && ev.Has(fsnotify.Create) {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			if err := w.watcher.Add(dir); err != nil {
				logger.Warnf(ctx, "plugin watcher: watch %s: %v", dir, err)
			}
		}
	}
	w.schedule(ctx, dir)
}

// pluginDir maps path to the plugin directory directly below a root
func (w *Watcher) pluginDir(path string) (string, bool) {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.Split(rel, string(filepath.Separator))[0]
		if strings.HasPrefix(first, ".") {
			return "", false
		}
		return filepath.Join(root, first), true
	}
	return "", false
}

func (w *Watcher) schedule(ctx context.Context, dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[dir]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
		w.sync(ctx, dir)
	})
}

// sync brings the loader in line with what is on disk for dir
func (w *Watcher) sync(ctx context.Context, dir string) {
	id, loaded := w.loader.loadedFrom(dir)
	present := w.loader.hasManifest(dir)

	switch {
	case loaded && !present:
		if err := w.loader.Unload(ctx, id); err != nil {
			logger.Warnf(ctx, "plugin watcher: unload %s: %v", id, err)
		}
	case loaded && present:
		if _, err := w.loader.Reload(ctx, id); err != nil {
			logger.Warnf(ctx, "plugin watcher: reload %s: %v", id, err)
		}
	case present:
		if _, err := w.loader.Load(ctx, dir); err != nil {
			logger.Warnf(ctx, "plugin watcher: load %s: %v", dir, err)
		}
	}
}
