// Package watch re-runs a callback when schema definition or migration files change.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before the
// callback runs.
const DefaultDebounce = 500 * time.Millisecond

// Extensions that trigger the callback.
var Extensions = []string{".yaml", ".yml", ".mig"}

// Watcher watches directories for changes
type Watcher struct {
	dirs     []string
	callback func() error
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	started  bool

	// Debounce may be changed before Start.
	Debounce time.Duration
}

// NewWatcher creates a watcher over dirs. Missing directories are skipped.
func NewWatcher(dirs []string, callback func() error) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	var watched []string
	for _, dir := range dirs {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to get absolute path: %w", err)
		}
		if _, err := os.Stat(absPath); os.IsNotExist(err) {
			continue
		}
		if err := watcher.Add(absPath); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		watched = append(watched, absPath)
	}
	if len(watched) == 0 {
		watcher.Close()
		return nil, fmt.Errorf("none of %s exist", strings.Join(dirs, ", "))
	}

	return &Watcher{
		dirs:     watched,
		callback: callback,
		watcher:  watcher,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		Debounce: DefaultDebounce,
	}, nil
}

// Dirs returns the watched directories.
func (w *Watcher) Dirs() []string { return w.dirs }

// Start runs the callback once and then after every batch of changes.
func (w *Watcher) Start() error {
	if err := w.callback(); err != nil {
		return fmt.Errorf("initial callback failed: %w", err)
	}

	w.started = true
	go func() {
		defer close(w.stopped)
		debounceTimer := time.NewTimer(w.Debounce)
		debounceTimer.Stop()
		var debounceCh <-chan time.Time

		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if relevant(event) {
					debounceTimer.Reset(w.Debounce)
					debounceCh = debounceTimer.C
				}

			case <-debounceCh:
				if err := w.callback(); err != nil {
					fmt.Fprintf(os.Stderr, "Watch callback error: %v\n", err)
				}
				debounceCh = nil

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)

			case <-w.done:
				return
			}
		}
	}()

	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	if w.started {
		<-w.stopped
	}
	return err
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
