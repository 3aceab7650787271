package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Reload event kinds.
const (
	KindConfig  = "config"
	KindHandoff = "handoff"
)

type ReloadEvent struct {
	Path string
	Kind string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml and the handoff rules file. It
// watches the parent directories so editor rename-and-replace saves are seen.
type Watcher struct {
	files  map[string]string // absolute path -> kind
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	files := map[string]string{
		filepath.Clean(ConfigPath(cfg.HomeDir)): KindConfig,
	}
	if hp := cfg.HandoffPath(); hp != "" {
		files[filepath.Clean(hp)] = KindHandoff
	}
	return &Watcher{
		files:  files,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]bool{}
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config: watch failed", "path", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				kind, watched := w.files[filepath.Clean(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}:
				default:
				}
				w.logger.Info("config: file changed", "path", ev.Name, "kind", kind, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
