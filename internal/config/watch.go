package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded and validated config.
type ReloadFunc func(cfg *Config)

// Watcher reloads a config file when it changes on disk. The parent
// directory is watched so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	log      simlog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a Watcher for path. Invalid reloads are logged and
// skipped; onReload only ever sees valid configs.
func NewWatcher(path string, debounce time.Duration, onReload ReloadFunc, log simlog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, debounce: debounce, onReload: onReload, log: log, watcher: fw}, nil
}

// Run processes file events until ctx is done. It always returns nil on
// cancellation so it can sit in an errgroup next to the main loop.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.watcher.Events:
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

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.log.Warnf("Ignoring invalid config change in %s: %v", w.path, err)
		return
	}
	w.log.Infof("Reloaded config from %s", w.path)
	w.onReload(cfg)
}
