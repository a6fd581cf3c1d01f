// Package configwatch reloads a config file when it changes on disk.
package configwatch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher calls back once per burst of writes to a single file. The parent
// directory is watched so that editors replacing the file are noticed too.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   logging.Logger

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(path string, debounce time.Duration, logger logging.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.NewValidationError("watch path is required", nil)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.NewIOError("failed to resolve watch path", err).WithContext("path", path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  fw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch blocks until ctx is done or Stop is called, invoking onReload after
// each debounced change. A failing onReload is logged and watching goes on.
func (w *Watcher) Watch(ctx context.Context, onReload func() error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.NewConflictError("watcher already running", nil)
	}
	w.running = true
	w.mu.Unlock()

	defer close(w.doneCh)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return errors.NewIOError("failed to watch directory", err).WithContext("path", dir)
	}

	w.logger.Infof("Config watcher started, path: %s, debounce: %v", w.path, w.debounce)

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Config watcher stopped, context cancelled")
			return nil

		case <-w.stopCh:
			w.logger.Infof("Config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.NewIOError("watcher events channel closed", nil)
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugf("Config file event, path: %s, op: %s", event.Name, event.Op.String())
			w.trigger(onReload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.NewIOError("watcher errors channel closed", nil)
			}
			w.logger.Errorf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func (w *Watcher) trigger(onReload func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.logger.Infof("Reloading config, path: %s", w.path)
		if err := onReload(); err != nil {
			w.logger.Errorf("Config reload failed: %v", err)
		}
	})
}

// Stop ends Watch, cancels a pending reload and releases the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	running := w.running
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if running {
		select {
		case <-w.stopCh:
		default:
			close(w.stopCh)
		}
		<-w.doneCh
	}

	if err := w.watcher.Close(); err != nil {
		return errors.NewIOError("failed to close watcher", err)
	}
	return nil
}
