package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 250 * time.Millisecond

// Watcher monitors a configuration file and signals when it changes.
//
// The parent directory is watched rather than the file itself, so editors that
// save by writing a temporary file and renaming it over the original are seen.
// Bursts of events are coalesced into a single notification.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	changes chan struct{}
	logger  *slog.Logger

	// done signals the event loop to stop.
	done chan struct{}
	// stopped is closed when the event loop has exited.
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewWatcher creates a watcher for the configuration file at path.
// Call Start() to begin watching and Close() when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fw.Add(filepath.Dir(absPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		watcher:       fw,
		path:          absPath,
		debounceDelay: DebounceDelay,
		changes:       make(chan struct{}, 1),
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay for batching rapid changes.
// Must be called before Start().
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Changes returns a channel that receives a value after the file changed.
// Notifications that arrive while one is pending are merged.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and releases resources.
// It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
			w.debounceTimer = nil
		}
		w.debounceMu.Unlock()
	})
	return err
}

// Wait blocks until the event loop has exited. Only valid after Start.
func (w *Watcher) Wait() {
	<-w.stopped
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("Config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	if w.logger != nil {
		w.logger.Debug("Config file changed", "path", event.Name, "op", event.Op.String())
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.fire)
	w.debounceMu.Unlock()
}

func (w *Watcher) fire() {
	w.debounceMu.Lock()
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	select {
	case w.changes <- struct{}{}:
	default:
	}
}
