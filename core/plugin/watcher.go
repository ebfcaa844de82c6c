package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sorane/kobot/api"
)

const debounceDelay = 200 * time.Millisecond

// Watcher observes the plugin tree and drives hot reload: a created or
// changed file is (re)loaded, a removed file is unloaded. All registry
// mutations are applied on one goroutine, so notifications for the same
// path are processed strictly in order.
type Watcher struct {
	manager *Manager
	loader  *Loader
	logger  api.Logger

	fsw   *fsnotify.Watcher
	loads chan string
	done  chan struct{}

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// NewWatcher creates a watcher over the manager's plugin tree.
func NewWatcher(manager *Manager, loader *Loader, logger api.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		manager:  manager,
		loader:   loader,
		logger:   logger,
		fsw:      fsw,
		loads:    make(chan string, 16),
		done:     make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the plugin root and all its subdirectories.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.loader.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != w.loader.Root() && (strings.HasPrefix(name, ".") || name == "node_modules") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch plugin directory: %w", err)
	}

	go w.watchLoop()
	w.logger.Info("Hot reload watching", "dir", w.loader.Root())
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)

	w.mu.Lock()
	for _, timer := range w.debounce {
		timer.Stop()
	}
	w.debounce = make(map[string]*time.Timer)
	w.mu.Unlock()

	return w.fsw.Close()
}

// watchLoop is the single goroutine applying watch-driven mutations.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case path := <-w.loads:
			if err := w.manager.Load(path); err != nil {
				w.logger.Error("Hot reload failed", "path", path, "error", err)
			}
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Plugin watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	if event.Op&fsnotify.Create != 0 {
		// New subdirectories join the watch so nested plugins reload too.
		if isDir(event.Name) {
			if !strings.HasPrefix(name, ".") && name != "node_modules" {
				if err := w.fsw.Add(event.Name); err != nil {
					w.logger.Warn("Failed to watch new directory", "dir", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !strings.HasSuffix(name, sourceExt) || strings.HasPrefix(name, ".") {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.scheduleLoad(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.cancelLoad(event.Name)
		identity := w.loader.Identity(event.Name)
		if w.manager.Unload(identity) {
			w.logger.Info("Plugin file removed, unloaded", "identity", identity)
		}
	}
}

// scheduleLoad debounces write bursts: editors fire several writes per
// save, and only the settled file should be loaded.
func (w *Watcher) scheduleLoad(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Reset(debounceDelay)
		return
	}
	w.debounce[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()

		select {
		case w.loads <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) cancelLoad(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
		delete(w.debounce, path)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
