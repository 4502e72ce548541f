package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the non-secret fields of a Config from its backing
// file (§A: "fsnotify watches the config file and hot-reloads the
// non-secret allowlist/behavior fields... without a restart"). Secret
// fields (bot tokens, agent binary path) are never touched by a reload —
// ReplaceFrom preserves whatever was set via env at startup.
type Watcher struct {
	path   string
	cfg    *Config
	fsw    *fsnotify.Watcher
	lastHash string
	onReload []func()
}

// NewWatcher creates a Watcher bound to cfg, which must have been loaded
// from path already.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, cfg: cfg, fsw: fsw, lastHash: cfg.Hash()}, nil
}

// OnReload registers fn to be called (synchronously, on the watch
// goroutine) after every successful reload.
func (w *Watcher) OnReload(fn func()) {
	w.onReload = append(w.onReload, fn)
}

// Run blocks, reloading w.cfg on every write/create event to its file
// until stop is closed.
func (w *Watcher) Run(stop <-chan struct{}) {
	defer w.fsw.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		slog.Warn("config watcher: reload failed, keeping prior config", "path", w.path, "error", err)
		return
	}
	nextHash := next.Hash()
	if nextHash == w.lastHash {
		return
	}
	w.cfg.ReplaceFrom(next)
	w.lastHash = nextHash
	slog.Info("config watcher: reloaded", "path", w.path)
	for _, fn := range w.onReload {
		fn()
	}
}
