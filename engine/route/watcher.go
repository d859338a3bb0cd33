package route

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/flowgate/flowgate/pkg/logger"
	"github.com/fsnotify/fsnotify"
)

// Debounce delay batches editor write bursts into one reload.
const reloadDebounceDelay = 200 * time.Millisecond

// Watcher reloads the registry when the route document changes on disk.
// A rejected reload keeps the previous route set active.
type Watcher struct {
	registry  *Registry
	path      string
	fsw       *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

func NewWatcher(registry *Registry, path string) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve route document path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the parent directory so atomic saves (write to temp, rename over)
	// are still observed.
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch route document: %w", err)
	}
	return &Watcher{
		registry: registry,
		path:     absPath,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the watch loop until the context is canceled or Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	log := logger.FromContext(ctx)
	var mu sync.Mutex
	var debounceTimer *time.Timer

	reload := func() {
		if err := w.registry.Reload(ctx); err != nil {
			log.Error("route reload rejected, keeping previous set", "error", err)
			return
		}
		log.Info("route set reloaded", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			w.stopTimer(&mu, &debounceTimer)
			return
		case <-w.done:
			w.stopTimer(&mu, &debounceTimer)
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounceDelay, reload)
			mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error("route watcher error", "error", err)
		}
	}
}

func (w *Watcher) stopTimer(mu *sync.Mutex, timer **time.Timer) {
	mu.Lock()
	defer mu.Unlock()
	if *timer != nil {
		(*timer).Stop()
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}
