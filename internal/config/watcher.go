package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// ApplyFunc receives the previous and freshly loaded configuration and
// pushes the live-changeable deltas into running components.
type ApplyFunc func(old, new Config)

// Watcher re-reads config.json when it changes on disk.
type Watcher struct {
	manager *Manager
	apply   ApplyFunc
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewWatcher starts watching the manager's config file. apply is invoked
// after each successful reload.
func NewWatcher(manager *Manager, apply ApplyFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files via
	// rename, which drops a direct file watch.
	if err := fw.Add(filepath.Dir(manager.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		manager: manager,
		apply:   apply,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	log.Printf("[CONFIG] Watching %s for changes", manager.Path())
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.manager.Path())
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[CONFIG] Watcher error: %v", err)
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

// reload re-runs the load/detect sequence and applies the diff.
func (w *Watcher) reload() {
	old := w.manager.Get()

	fresh, err := Load(w.manager.Path())
	if err != nil {
		log.Printf("[CONFIG] Reload failed, keeping previous configuration: %v", err)
		return
	}
	w.manager.Set(fresh.Get())

	if changed := w.manager.DetectPaths(); changed {
		if err := w.manager.Save(); err != nil {
			log.Printf("[CONFIG] Failed to persist detected paths: %v", err)
		}
	}

	cfg := w.manager.Get()
	logStaticDiffs(old, cfg)
	log.Printf("[CONFIG] Configuration reloaded")
	if w.apply != nil {
		w.apply(old, cfg)
	}
}

// logStaticDiffs calls out changes that require a restart to take effect.
func logStaticDiffs(old, new Config) {
	if old.Port != new.Port || old.Host != new.Host {
		log.Printf("[CONFIG] port/host changed; restart required to rebind")
	}
	if old.AgentPath != new.AgentPath {
		log.Printf("[CONFIG] agentPath changed; restart required")
	}
	if old.DataDir != new.DataDir {
		log.Printf("[CONFIG] dataDir changed; restart required")
	}
	if old.Events != new.Events {
		log.Printf("[CONFIG] events configuration changed; restart required")
	}
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	w.watcher.Close()
}
