package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent names a watched file that was written or replaced.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Watcher reports edits to config.yaml and permissions.json. Parent
// directories are watched, not the files, so editors that save by
// rename-over are still seen.
type Watcher struct {
	paths  map[string]bool
	logger *slog.Logger
	out    chan ReloadEvent
}

// NewWatcher watches config.yaml in homeDir and permissions.json in stateDir.
func NewWatcher(homeDir, stateDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Config{HomeDir: homeDir, StateDir: stateDir}
	return &Watcher{
		paths: map[string]bool{
			filepath.Clean(ConfigPath(homeDir)):   true,
			filepath.Clean(cfg.PermissionsPath()): true,
		},
		logger: logger,
		out:    make(chan ReloadEvent, 16),
	}
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.out }

// Start registers the watched directories and returns; events flow until ctx
// is cancelled. A directory that cannot be watched is logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	seen := map[string]bool{}
	for p := range w.paths {
		dir := filepath.Dir(p)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher: cannot watch directory", "dir", dir, "error", err)
		}
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.out)
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				w.emit(ReloadEvent{Path: ev.Name, Op: ev.Op})
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	return ev.Op&reloadOps != 0 && w.paths[filepath.Clean(ev.Name)]
}

// emit drops the event when the consumer is behind; one pending reload
// already covers later edits.
func (w *Watcher) emit(ev ReloadEvent) {
	w.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
	select {
	case w.out <- ev:
	default:
	}
}
