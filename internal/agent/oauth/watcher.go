package oauth

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
)

// DefaultDebounceInterval is the time to wait before triggering a reload
// after the last file change is detected.
const DefaultDebounceInterval = 500 * time.Millisecond

// DefaultWatchInterval is the polling interval used when fsnotify is not
// available.
const DefaultWatchInterval = 5 * time.Second

// CacheWatcherConfig holds configuration for the token cache watcher.
type CacheWatcherConfig struct {
	// Path is the token cache file to watch.
	Path string

	// WatchInterval is the fallback polling interval when fsnotify is not available.
	WatchInterval time.Duration

	// Debounce overrides DefaultDebounceInterval.
	Debounce time.Duration

	// OnChange is called when the cache file was written or replaced.
	OnChange func()
}

// CacheWatcher notices when another process (a second proxy, or
// "auth login") rewrites the token cache, so a running proxy picks up
// rotated refresh tokens instead of replaying a stale one.
type CacheWatcher struct {
	mu sync.Mutex

	config CacheWatcherConfig

	// fsWatcher is the fsnotify watcher (nil when polling)
	fsWatcher *fsnotify.Watcher

	stopCh  chan struct{}
	running bool

	// lastModTime is used by the polling fallback
	lastModTime time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewCacheWatcher creates a new cache watcher.
func NewCacheWatcher(config CacheWatcherConfig) *CacheWatcher {
	if config.WatchInterval == 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	if config.Debounce == 0 {
		config.Debounce = DefaultDebounceInterval
	}
	return &CacheWatcher{config: config}
}

// Start begins watching. The directory of Path must exist.
func (w *CacheWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("CacheWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	// Watch the directory: the file is replaced by rename, which drops
	// watches placed on the file itself.
	dir := filepath.Dir(w.config.Path)
	if err := watcher.Add(dir); err != nil {
		logging.Warn("CacheWatcher", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		watcher.Close()
		go w.pollForChanges()
		return nil
	}
	w.fsWatcher = watcher

	// Capture channels before releasing lock to avoid race conditions
	go w.processEvents(watcher.Events, watcher.Errors)

	logging.Debug("CacheWatcher", "Watching %s for token cache changes", w.config.Path)
	return nil
}

// processEvents handles fsnotify events.
func (w *CacheWatcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("CacheWatcher", err, "fsnotify error")
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *CacheWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
		return
	}
	// Rename-into-place shows up as Create on the target name.
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return
	}

	logging.Debug("CacheWatcher", "Token cache changed: %s (%s)", event.Name, event.Op)
	w.triggerReloadDebounced()
}

// triggerReloadDebounced coalesces bursts of events into one callback.
func (w *CacheWatcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnChange
		w.mu.Unlock()

		if running && callback != nil {
			callback()
		}
	})
}

// pollForChanges implements fallback polling when fsnotify is not available.
func (w *CacheWatcher) pollForChanges() {
	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	if info, err := os.Stat(w.config.Path); err == nil {
		w.lastModTime = info.ModTime()
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			info, err := os.Stat(w.config.Path)
			if err != nil {
				continue
			}
			if info.ModTime().After(w.lastModTime) {
				w.lastModTime = info.ModTime()
				logging.Debug("CacheWatcher", "Token cache change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}

// Stop stops the watcher.
func (w *CacheWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fsWatcher != nil {
		if err := w.fsWatcher.Close(); err != nil {
			logging.Warn("CacheWatcher", "Error closing fsnotify watcher: %v", err)
		}
		w.fsWatcher = nil
	}
}

// IsRunning returns whether the watcher is currently active.
func (w *CacheWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
