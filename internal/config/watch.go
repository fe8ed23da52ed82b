package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/casys-ai/toolmind/internal/logger"
)

// Watcher holds the live configuration and swaps it atomically when the
// file changes on disk. A reload that fails validation keeps the previous
// configuration.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	fs   *fsnotify.Watcher
	done chan struct{}
}

// Watch loads the file and starts watching it for changes.
func Watch(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, cfg: cfg, done: make(chan struct{})}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		// No watcher support: the config still works, it just never reloads.
		logger.Warn("config watcher unavailable", "error", err)
		return w, nil
	}
	w.fs = fs
	if err := fs.Add(path); err != nil {
		logger.Warn("config watch add", "path", path, "error", err)
	}
	go w.loop()
	return w, nil
}

// Current returns the live configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn("config reload rejected, keeping previous", "error", err)
				continue
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
			logger.Info("config reloaded", "path", w.path)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
