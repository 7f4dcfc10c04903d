package kernelspec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kernelbridge/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of file events (editors write files in several steps).
var watchDebounce = 250 * time.Millisecond

// Watch reloads the registry whenever a kernelspec or definition file changes.
// It blocks until ctx is cancelled. onReload, if not nil, is called after each reload.
func (r *Registry) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range r.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			logging.Debug("KernelSpecs", "Not watching %s: %v", dir, err)
			continue
		}
		watched++
	}
	logging.Debug("KernelSpecs", "Watching %d kernel spec directories", watched)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// a newly installed kernel directory needs its own watch
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						logging.Debug("KernelSpecs", "Not watching %s: %v", event.Name, err)
					}
				}
			}
			logging.Debug("KernelSpecs", "Change detected: %s (%s)", filepath.Base(event.Name), event.Op)

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := r.Load(); err != nil {
				logging.Error("KernelSpecs", err, "Reloading kernel specs failed")
				continue
			}
			if onReload != nil {
				onReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logging.Warn("KernelSpecs", "Watcher error: %v", err)
		}
	}
}

// watchDirs lists every existing directory whose contents affect the registry.
func (r *Registry) watchDirs() []string {
	var dirs []string
	for _, dataDir := range r.jupyterDirs {
		kernelsDir := filepath.Join(dataDir, "kernels")
		entries, err := os.ReadDir(kernelsDir)
		if err != nil {
			continue
		}
		dirs = append(dirs, kernelsDir)
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(kernelsDir, e.Name()))
			}
		}
	}
	for _, dir := range r.definitionDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
