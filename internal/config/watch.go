package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher watches a config file and delivers a signal on Events for
// every change, so the caller can reload and re-apply tunables without
// a restart. Bursts of filesystem events coalesce into one signal.
type Watcher struct {
	path   string
	logger *logrus.Logger

	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	return &Watcher{
		path:   path,
		logger: logger,
		events: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Start begins watching in a background goroutine. It watches the
// parent directory rather than the file itself, because editors and
// deploy tooling replace config files by rename, which silently drops
// a watch held on the old inode.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watcher = watcher

	base := filepath.Base(w.path)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					w.logger.WithField("file", event.Name).Info("Config file changed, signaling reload")
					// Let the writer finish before the reload reads the file
					time.Sleep(100 * time.Millisecond)
					select {
					case w.events <- struct{}{}:
					default:
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Error("Config watcher error")
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

// Events returns the reload signal channel.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Stop stops the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		select {
		case <-w.stop:
			// Channel already closed
		default:
			close(w.stop)
		}
		w.watcher.Close()
		w.watcher = nil
	}
}
