package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeleash/codeleash/internal/logger"
)

// Watcher feeds an Aggregator from a diagnostics JSON file the editor
// host rewrites on every diagnostics change. The file holds a map of
// workspace-relative path to entry list.
type Watcher struct {
	agg  *Aggregator
	path string
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching path and loads its current content if the
// file already exists.
func NewWatcher(agg *Aggregator, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory; editors replace the file atomically via
	// rename, which drops a watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{agg: agg, path: path, fsw: fsw, done: make(chan struct{})}
	if err := w.load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("initial diagnostics load failed", "path", path, "error", err)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Editors often write in several syscalls; debounce briefly so we
	// parse a complete file.
	var pending *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(50*time.Millisecond, func() {
				if err := w.load(); err != nil {
					logger.Warn("diagnostics reload failed", "path", w.path, "error", err)
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("diagnostics watcher error", "error", err)
		}
	}
}

func (w *Watcher) load() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var snapshot map[string][]Entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parse diagnostics file: %w", err)
	}
	w.agg.PublishAll(snapshot)
	return nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
