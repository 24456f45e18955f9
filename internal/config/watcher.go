package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports a change to config.yaml.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// defaultDebounce coalesces the write bursts editors produce on save.
const defaultDebounce = 250 * time.Millisecond

type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: defaultDebounce,
	}
}

// Events delivers reload notifications until the watcher's context ends.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)

		timer := time.NewTimer(w.debounce)
		timer.Stop()
		var pending *ReloadEvent
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
				timer.Reset(w.debounce)
			case <-timer.C:
				if pending == nil {
					continue
				}
				select {
				case w.events <- *pending:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				pending = nil
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

// Follow applies every reload event to snap and calls onReload with the new
// config. A save that leaves the effective config unchanged is ignored. It
// returns when the watcher stops.
func (w *Watcher) Follow(snap *Snapshot, onReload func(Config)) {
	for range w.events {
		before := snap.Current().Fingerprint()
		cfg, err := snap.Reload()
		if err != nil {
			w.logger.Error("config reload rejected", "error", err)
			continue
		}
		if cfg.Fingerprint() == before {
			w.logger.Debug("config unchanged after reload")
			continue
		}
		w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
		if onReload != nil {
			onReload(cfg)
		}
	}
}
