package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads the config file on change and hands valid snapshots to
// subscribers. Invalid edits are logged and ignored; the last good config
// stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  Config
	handlers []func(Config)

	closed    chan struct{}
	closeOnce sync.Once
}

// Watch starts watching path's parent directory. Editors replace files by
// rename so watching the file itself misses updates.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: initial,
		closed:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a handler invoked with each new valid config.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("config reload skipped: %v", err)
				continue
			}
			w.mu.Lock()
			w.current = cfg
			handlers := make([]func(Config), len(w.handlers))
			copy(handlers, w.handlers)
			w.mu.Unlock()
			log.Infof("config reloaded from %s", w.path)
			for _, h := range handlers {
				h(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.watcher.Close()
	})
}
