package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nfrund/repobot/internal/bus"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reports tenants whose files changed under a FileSource root.
type Watcher struct {
	source   *FileSource
	notify   func(ctx context.Context, key bus.TenantKey)
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[bus.TenantKey]*time.Timer
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher calling notify once per settled change.
// The source must be backed by the OS filesystem.
func NewWatcher(source *FileSource, notify func(ctx context.Context, key bus.TenantKey), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:   source,
		notify:   notify,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "tenant_watcher"),
		pending:  make(map[bus.TenantKey]*time.Timer),
	}
}

// Start watches the root and every directory below it until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	root := w.source.Root()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		w.logger.Debug("Tenants directory does not exist, skipping watcher setup", "path", root)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	w.watcher = watcher

	if err := w.addTree(root); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to add directories to watcher: %w", err)
	}

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("Watching tenants for changes", "directory", root)
	return nil
}

// Wait blocks until the watch loop has stopped.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) addTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Error("Failed to add directory to watcher", "path", path, "error", err)
				return err
			}
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		w.watcher.Close()
		w.mu.Lock()
		for key, t := range w.pending {
			t.Stop()
			delete(w.pending, key)
		}
		w.mu.Unlock()
		w.logger.Info("Tenant watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File system watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	if event.Op == fsnotify.Chmod {
		return
	}
	switch filepath.Ext(event.Name) {
	case ScriptExt, ".yaml", "":
	default:
		return
	}

	key, ok := w.source.KeyForPath(event.Name)
	if !ok {
		return
	}
	w.logger.Debug("Tenant file event", "event", event.Op.String(), "path", event.Name, "tenant", key.String())
	w.schedule(ctx, key)
}

func (w *Watcher) schedule(ctx context.Context, key bus.TenantKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.notify(ctx, key)
	})
}
