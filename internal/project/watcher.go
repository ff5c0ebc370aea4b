package project

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a completed hot-reload of config.yaml.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher reloads config.yaml on change and publishes the result, so the
// engine can pick up new max_concurrent_tasks or project entries without
// a restart. A reload that fails schema validation is reported as an
// error event; the previously loaded Config keeps serving until a valid
// file replaces it.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
	current atomic.Pointer[Config]
}

func NewWatcher(homeDir string, initial Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 4),
	}
	w.current.Store(&initial)
	return w
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() Config {
	return *w.current.Load()
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(ConfigPath(w.homeDir)); err != nil {
		fsw.Close()
		return err
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
				cfg, err := Load(w.homeDir)
				if err != nil {
					w.logger.Error("config reload failed", "error", err)
					select {
					case w.events <- ReloadEvent{Err: err}:
					default:
					}
					continue
				}
				w.current.Store(&cfg)
				w.logger.Info("config reloaded", "projects", len(cfg.Projects))
				select {
				case w.events <- ReloadEvent{Config: cfg}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
