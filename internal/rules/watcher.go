package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces filesystem notification bursts (editors write,
// rename, and chmod in quick succession) into a single reload.
const reloadDebounce = time.Second

// Watcher watches the rule directory and triggers an engine reload after a
// quiet period. Load failures are logged and the previous live rule set is
// retained.
type Watcher struct {
	engine *Engine
	dir    string
	logger *slog.Logger

	fsw *fsnotify.Watcher
}

// NewWatcher sets up filesystem notifications on dir and every directory
// below it.
func NewWatcher(engine *Engine, dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rule watcher: %w", err)
	}

	w := &Watcher{engine: engine, dir: dir, logger: logger, fsw: fsw}
	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive registers dir and its subdirectories. fsnotify watches are
// not recursive by themselves.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Run consumes notifications until ctx is cancelled. Each burst of events is
// debounced; the timer firing triggers one reload.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			// New subdirectories must be added to the watch before
			// rules inside them produce events.
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher notification error", slog.Any("error", err))

		case <-debounce.C:
			if err := w.engine.Reload(w.dir); err != nil {
				w.logger.Warn("rule reload rejected, keeping live rule set",
					slog.String("dir", w.dir),
					slog.Any("error", err),
				)
			}
		}
	}
}
