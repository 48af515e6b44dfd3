package config

import (
	"path/filepath"
	"sync"
	"time"

	"autotune/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded config after a file change.
type ReloadFunc func(*Config)

// Watcher watches <workspace>/autotune.yaml and reloads it on change so
// tunable thresholds (scheduler interval, hot threshold, backoff) can be
// adjusted without a restart.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	workspace   string
	onReload    ReloadFunc
	debounceDur time.Duration
	lastEvent   time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	// Stats for debugging
	reloads int
	errors  int
}

// NewWatcher creates a config watcher for the given workspace.
func NewWatcher(workspace string, onReload ReloadFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		workspace:   workspace,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // coalesce rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. The workspace directory is watched (not the file)
// so atomic save-and-rename editors still trigger events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(w.workspace); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	logging.Config("config watcher started for %s", ConfigPath(w.workspace))
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

// Reloads returns how many successful reloads have happened.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	target := ConfigPath(w.workspace)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(target) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastEvent) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()

			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
			logging.ConfigWarn("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.workspace)
	if err != nil {
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
		logging.ConfigWarn("config reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	w.reloads++
	cb := w.onReload
	w.mu.Unlock()

	logging.Config("config reloaded from %s", ConfigPath(w.workspace))
	if cb != nil {
		cb(cfg)
	}
}
