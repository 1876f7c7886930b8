package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives the reloaded configuration, or the error that kept it
// from loading or validating.
type ReloadFunc func(cfg *Config, err error)

// Watcher reloads the config file whenever it changes on disk
type Watcher struct {
	loader   *Loader
	path     string
	settle   time.Duration
	onReload ReloadFunc

	watcher  *fsnotify.Watcher
	done     chan struct{}
	timer    *time.Timer
	timerMu  sync.Mutex
	stopOnce sync.Once
}

// Watch starts watching the loader's config file. The parent directory is
// watched so editors that save by rename are still seen. Bursts of events
// inside settle collapse into one reload; zero means 200ms.
func (l *Loader) Watch(settle time.Duration, onReload ReloadFunc) (*Watcher, error) {
	path := l.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		loader:   l,
		path:     abs,
		settle:   settle,
		onReload: onReload,
		watcher:  fw,
		done:     make(chan struct{}),
	}
	go w.eventLoop()

	log.Info().Str("path", abs).Msg("Watching config file")
	return w, nil
}

// Stop stops watching. Pending reloads are dropped.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) debounce() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Config change rejected, keeping current settings")
		cfg = nil
	} else {
		log.Info().Str("path", w.path).Msg("Config reloaded")
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}
