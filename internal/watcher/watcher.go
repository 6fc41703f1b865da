// Package watcher reloads persisted store documents when another process
// rewrites them. Store writes are atomic renames, so the watcher observes the
// containing directory and filters to the file names it cares about, with
// debouncing to coalesce rename bursts into one reload.
package watcher

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned when operations are called on a closed Watcher.
var ErrClosed = errors.New("watcher: closed")

// DefaultDebounce coalesces event bursts; an atomic rename typically emits
// Create plus Rename back to back.
const DefaultDebounce = 250 * time.Millisecond

// Handler is called once per debounced change burst with the set of changed
// file paths.
type Handler func(paths []string)

// ErrorHandler receives watch errors.
type ErrorHandler func(err error)

// Watcher observes specific files through their parent directories.
type Watcher struct {
	fsWatcher    *fsnotify.Watcher
	handler      Handler
	errorHandler ErrorHandler
	debounce     time.Duration

	mu          sync.Mutex
	watchedDirs map[string]bool
	files       map[string]bool
	pending     map[string]bool
	timer       *time.Timer
	closed      bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler sets the error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(w *Watcher) { w.errorHandler = h }
}

// New creates a watcher delivering debounced change sets to handler.
func New(handler Handler, opts ...Option) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsWatcher:   fsWatcher,
		handler:     handler,
		debounce:    DefaultDebounce,
		watchedDirs: make(map[string]bool),
		files:       make(map[string]bool),
		pending:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w, nil
}

// AddFile watches one file for rewrites. The file does not need to exist yet;
// its directory does.
func (w *Watcher) AddFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	dir := filepath.Dir(abs)
	if !w.watchedDirs[dir] {
		if err := w.fsWatcher.Add(dir); err != nil {
			return err
		}
		w.watchedDirs[dir] = true
	}
	w.files[abs] = true
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fsWatcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.errorHandler != nil {
				w.errorHandler(err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || !w.files[event.Name] {
		return
	}

	w.pending[event.Name] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if w.handler != nil {
		w.handler(paths)
	}
}
