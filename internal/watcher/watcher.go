// Package watcher imports images dropped into per-user inbox folders.
//
// The inbox layout is <root>/<user_id>/<file>. Each user folder is watched with fsnotify;
// create and write events are debounced per path, then handed to an import callback.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Watcher watches an inbox root and its user folders and invokes onFile for settled files.
type Watcher struct {
	root        string
	extensions  []string
	onFile      func(path string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger for watcher events.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a path must be quiet before onFile runs.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over root. extensions filter which files are reported (empty = all).
func NewWatcher(root string, extensions []string, onFile func(path string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		root:        filepath.Clean(root),
		extensions:  extensions,
		onFile:      onFile,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the inbox root.
func (w *Watcher) Root() string { return w.root }

// Start creates the root if needed, watches it and every existing user folder, and
// runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.root, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.root); err != nil {
		_ = fw.Close()
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		_ = fw.Close()
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !isUserDir(e.Name()) {
			continue
		}
		if err := fw.Add(filepath.Join(w.root, e.Name())); err != nil {
			w.logger.Warn("watcher failed to add user folder", zap.String("name", e.Name()), zap.Error(err))
		}
	}
	w.watcher = fw
	w.started = true
	w.logger.Info("inbox watcher started", zap.String("root", w.root), zap.Strings("extensions", w.extensions))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			w.handleNewDirectory(fw, path)
			return
		}
		if w.accept(path) {
			w.debounceFile(path)
		}
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.cancelDebounce(path)
	}
}

// handleNewDirectory starts watching a new user folder and picks up files copied in with it.
func (w *Watcher) handleNewDirectory(fw *fsnotify.Watcher, dir string) {
	if filepath.Dir(dir) != w.root || !isUserDir(filepath.Base(dir)) {
		w.logger.Debug("ignoring folder outside the inbox layout", zap.String("path", dir))
		return
	}
	if err := fw.Add(dir); err != nil {
		w.logger.Warn("watcher failed to add user folder", zap.String("path", dir), zap.Error(err))
		return
	}
	w.logger.Debug("watcher added user folder", zap.String("path", dir))
	w.syncDirectory(dir)
}

// accept reports whether path is a matching file directly inside a user folder.
func (w *Watcher) accept(path string) bool {
	if _, ok := OwnerOf(w.root, path); !ok {
		return false
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		eNorm := strings.TrimPrefix(strings.ToLower(e), ".")
		extNorm := strings.TrimPrefix(strings.ToLower(ext), ".")
		if eNorm == extNorm {
			return true
		}
	}
	return false
}

// OwnerOf returns the user ID encoded by path's folder when path is root/<user_id>/<file>.
func OwnerOf(root, path string) (int64, bool) {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return 0, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 || !isUserDir(parts[0]) {
		return 0, false
	}
	id, _ := strconv.ParseInt(parts[0], 10, 64)
	return id, true
}

func isUserDir(name string) bool {
	id, err := strconv.ParseInt(name, 10, 64)
	return err == nil && id > 0
}

func (w *Watcher) debounceFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.logger.Debug("watcher importing file (debounced)", zap.String("path", path))
		if w.onFile != nil {
			w.onFile(path)
		}
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) syncDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Debug("watcher failed to read folder", zap.String("path", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if w.accept(path) && w.onFile != nil {
			w.onFile(path)
		}
	}
}

// SyncExistingFiles reports every matching file already sitting in a user folder.
// Call it after Start to import files that arrived while the process was down.
func (w *Watcher) SyncExistingFiles() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Debug("watcher failed to read root", zap.String("root", w.root), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() && isUserDir(e.Name()) {
			w.syncDirectory(filepath.Join(w.root, e.Name()))
		}
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
