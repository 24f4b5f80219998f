package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the directory holding config.yaml and fires a callback
// when the file is written or created, so tunables (retention window,
// verification cap) can be reloaded without restarting the service.
// Secret changes deliberately require a restart; swapping the HMAC key
// under live writers would split the chain into two hashing epochs.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop it and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches the config file's directory and calls onChange when
// config.yaml changes. Events are debounced naturally by fsnotify;
// rapid successive writes typically produce a single event.
func NewWatcher(configPath string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}
	go w.processEvents(filepath.Base(configPath), onChange)

	slog.Info("config watcher started", "path", configPath)
	return w, nil
}

// processEvents reads fsnotify events and dispatches the reload callback.
func (w *Watcher) processEvents(name string, onChange func()) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			// Only write and create events; remove/rename means the
			// file was deleted, and defaults stay in effect.
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			slog.Info("config file changed, triggering reload", "file", name)
			if onChange != nil {
				onChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
