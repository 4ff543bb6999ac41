package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettleDelay is how long a file must stay quiet before a reload is emitted.
// Editors commonly truncate, write and rename in quick succession.
const DefaultSettleDelay = 200 * time.Millisecond

// FileKind names the home-directory file a reload concerns.
type FileKind string

const (
	FileConfig   FileKind = "config"
	FileSchedule FileKind = "schedule"
	FileEnv      FileKind = "env"
)

// ReloadEvent reports a settled change to one of the watched files.
type ReloadEvent struct {
	Path string
	Kind FileKind
}

// IsSchedule reports whether the event concerns heartbeat.yaml.
func (e ReloadEvent) IsSchedule() bool {
	return e.Kind == FileSchedule
}

// Watcher turns fsnotify events on config.yaml, heartbeat.yaml and .env into
// one ReloadEvent per burst of writes.
type Watcher struct {
	homeDir string
	settle  time.Duration
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		settle:  DefaultSettleDelay,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

// SetSettleDelay overrides DefaultSettleDelay. Call before Start.
func (w *Watcher) SetSettleDelay(d time.Duration) {
	w.settle = d
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func fileKind(path string) (FileKind, bool) {
	switch filepath.Base(path) {
	case "config.yaml":
		return FileConfig, true
	case "heartbeat.yaml":
		return FileSchedule, true
	case ".env":
		return FileEnv, true
	}
	return "", false
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace files via rename keep producing events.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	pending := make(map[string]FileKind)
	settle := time.NewTimer(w.settle)
	settle.Stop()
	defer settle.Stop()

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
			kind, ok := fileKind(ev.Name)
			if !ok {
				continue
			}
			pending[ev.Name] = kind
			settle.Reset(w.settle)
		case <-settle.C:
			for path, kind := range pending {
				w.logger.Info("config file changed", "path", path, "kind", kind)
				select {
				case w.events <- ReloadEvent{Path: path, Kind: kind}:
				default:
					w.logger.Warn("reload event dropped, consumer is behind", "path", path)
				}
			}
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
