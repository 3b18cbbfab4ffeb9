package widgetpkg

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long a package must be quiet before it is
// invalidated.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatchLogger sets the watcher's logger.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithOnChange registers a callback run after a package is invalidated.
func WithOnChange(fn func(widgetID string)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// Watcher invalidates cached packages when files under a package directory
// change.
type Watcher struct {
	loader   *Loader
	root     string
	debounce time.Duration
	logger   *zap.Logger
	onChange func(string)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]time.Time // widget id -> last event
}

// NewWatcher watches root, the directory loader reads from.
func NewWatcher(loader *Loader, root string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loader:   loader,
		root:     filepath.Clean(root),
		debounce: 250 * time.Millisecond,
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching root and every directory below it.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsWatcher = fsw

	err = filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(p)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("package watcher error", zap.Error(err))

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		// New package directories must be watched too.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	id := WidgetIDForPath(w.root, event.Name)
	if id == "" {
		return
	}
	w.mu.Lock()
	w.pending[id] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for id, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, id)
		}
	}
	for _, id := range ready {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	for _, id := range ready {
		w.loader.invalidate(id, "watch")
		if w.onChange != nil {
			w.onChange(id)
		}
	}
}

// WidgetIDForPath returns the id of the package that owns path p under
// root, or "" when p is not part of any package.
func WidgetIDForPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 1 {
		if !strings.HasSuffix(parts[0], ".json") {
			return ""
		}
		return strings.TrimSuffix(parts[0], ".json")
	}
	return parts[0]
}
