// Package watcher monitors the workspace directory for file changes and
// reports them, debounced, to a callback. The realtime server uses it to
// push workspace-changed frames to UI clients.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback receives the batch of workspace-relative paths that changed
// since the previous notification.
type ChangeCallback func(paths []string)

// Watcher watches one workspace root recursively.
type Watcher struct {
	root     string
	ignore   []string
	log      *slog.Logger
	callback ChangeCallback

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer

	closeOnce sync.Once
	cancel    chan struct{}
}

// New starts watching root and every non-ignored subdirectory. Ignore
// patterns are doublestar globs matched against workspace-relative paths.
func New(root string, ignore []string, callback ChangeCallback, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}

	w := &Watcher{
		root:      root,
		ignore:    ignore,
		log:       log.With("component", "watcher"),
		callback:  callback,
		fsWatcher: fsW,
		pending:   make(map[string]bool),
		cancel:    make(chan struct{}),
	}

	if err := w.addDirsRecursive(root); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher. Safe to call repeatedly.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.cancel)
		w.fsWatcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.cancel:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			rel, err := filepath.Rel(w.root, event.Name)
			if err != nil || w.ignored(rel) {
				continue
			}

			// Newly created directories join the watch set.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addDirsRecursive(event.Name); err != nil {
						w.log.Debug("watching new directory", "path", rel, "error", err)
					}
				}
			}

			w.record(rel)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

// record accumulates a changed path and (re)arms the debounce timer.
func (w *Watcher) record(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[rel] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	sort.Strings(paths)
	if w.callback != nil {
		w.callback(paths)
	}
}

func (w *Watcher) ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.ignore {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		// A pattern like ".git/**" should also suppress the directory itself.
		if dir, ok := dirPattern(pattern); ok {
			if match, err := doublestar.Match(dir, rel); err == nil && match {
				return true
			}
		}
	}
	return false
}

func dirPattern(pattern string) (string, bool) {
	const suffix = "/**"
	if len(pattern) > len(suffix) && pattern[len(pattern)-len(suffix):] == suffix {
		return pattern[:len(pattern)-len(suffix)], true
	}
	return "", false
}

func (w *Watcher) addDirsRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root {
			rel, err := filepath.Rel(w.root, path)
			if err == nil && w.ignored(rel) {
				return filepath.SkipDir
			}
		}
		return w.fsWatcher.Add(path)
	})
}
