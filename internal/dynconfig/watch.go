package dynconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watch reloads the configuration whenever the file changes, until ctx is
// cancelled. Reload failures are logged and the previous snapshot kept.
// The parent directory is watched rather than the file itself so that
// editors and config management tools that replace the file (write to a
// temp file, then rename) keep triggering reloads.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		target, _ := filepath.Abs(m.path)

		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, _ := filepath.Abs(event.Name)
				if name != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Coalesce bursts of events from a single save.
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Warn("configuration reload failed, keeping previous snapshot", "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("configuration watcher error", "error", err)
			}
		}
	}()

	m.logger.Info("watching configuration file", "path", m.path)
	return nil
}
