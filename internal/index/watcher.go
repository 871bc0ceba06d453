package index

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher refreshes the index when the source document changes on disk. It
// watches the parent directory because editors often replace files rather
// than write them in place.
type Watcher struct {
	manager  *Manager
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for the manager's document.
func NewWatcher(m *Manager) *Watcher {
	return &Watcher{
		manager:  m,
		path:     filepath.Clean(m.cfg.DocumentPath),
		debounce: defaultDebounce,
		logger:   m.logger,
	}
}

// Run blocks until ctx is cancelled. Bursts of events within the debounce
// window collapse into one refresh, which rebuilds only if the index is stale.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("document watcher error", "error", err)
		case <-fire:
			fire = nil
			w.logger.Info("document changed, checking index", "path", w.path)
			if _, err := w.manager.EnsureReady(ctx); err != nil {
				w.logger.Error("index refresh failed", "error", err)
			}
		}
	}
}
