package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/fsnotify/fsnotify"
)

// Event is one debounced burst of changes in the watched directory
type Event struct {
	Dir string
	// Files are the base names of the changed files, sorted
	Files []string
}

// Watcher watches a directory and reports changes to selected files. The
// directory is watched rather than the files so that atomic renames over a
// file are seen.
type Watcher struct {
	dir      string
	files    map[string]bool
	debounce time.Duration
	callback func(Event)
	watcher  *fsnotify.Watcher
	done     chan struct{}
	started  bool
	closed   bool
	mu       sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]bool
	timer     *time.Timer
}

// New creates a Watcher for dir. Only changes to the named files are
// reported; no names reports every file.
func New(dir string, files []string, debounce time.Duration, callback func(Event)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch path %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		debounce: debounce,
		callback: callback,
		watcher:  watcher,
		done:     make(chan struct{}),
		pending:  make(map[string]bool),
	}
	if len(files) > 0 {
		w.files = make(map[string]bool, len(files))
		for _, f := range files {
			w.files[f] = true
		}
	}
	return w, nil
}

// Start starts watching for events. Watch errors are logged to ctx's logger.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if w.started {
		return fmt.Errorf("watcher already started")
	}
	w.started = true

	go w.watch(ctx)
	return nil
}

// Close stops watching and drops pending changes
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.started {
		close(w.done)
	}

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = make(map[string]bool)
	w.pendingMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.G(ctx).WithError(err).WithField("dir", w.dir).Warn("watch error")

		case <-ctx.Done():
			return

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	if w.files != nil && !w.files[name] {
		return
	}
	w.schedule(name)
}

// schedule adds the file to the pending burst and restarts the debounce
// timer
func (w *Watcher) schedule(name string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending[name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	w.pending = make(map[string]bool)
	w.pendingMu.Unlock()

	sort.Strings(files)
	w.callback(Event{Dir: w.dir, Files: files})
}
