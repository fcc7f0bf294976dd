package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watched file kinds.
const (
	KindConfig  = "config"
	KindPolicy  = "policy"
	KindCatalog = "catalog"
)

var watchedFiles = map[string]string{
	"config.yaml":  KindConfig,
	"policy.yaml":  KindPolicy,
	"catalog.yaml": KindCatalog,
}

type ReloadEvent struct {
	Path string
	Kind string
	Op   fsnotify.Op
}

// Handlers react to reload events; nil members are skipped.
type Handlers struct {
	Config  func(ctx context.Context) error
	Policy  func(ctx context.Context) error
	Catalog func(ctx context.Context) error
}

// Watcher watches the home directory so files that editors replace by
// rename are still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
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
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
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
				kind, watched := watchedFiles[filepath.Base(ev.Name)]
				if !watched {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Kind: kind, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "kind", kind, "op", ev.Op.String())
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

// Dispatch runs the handler of each event until the watcher stops. Handler
// errors are logged and the previous state stays in effect.
func (w *Watcher) Dispatch(ctx context.Context, h Handlers) {
	for ev := range w.events {
		var fn func(context.Context) error
		switch ev.Kind {
		case KindConfig:
			fn = h.Config
		case KindPolicy:
			fn = h.Policy
		case KindCatalog:
			fn = h.Catalog
		}
		if fn == nil {
			continue
		}
		if err := fn(ctx); err != nil {
			w.logger.Error("reload failed", "kind", ev.Kind, "path", ev.Path, "error", err)
			continue
		}
		w.logger.Info("reloaded", "kind", ev.Kind)
	}
}
