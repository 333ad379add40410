package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"authbroker/pkg/oauth"
)

// debounceInterval is the time to wait after the last file change before
// reloading, so that a burst of write events triggers a single reload.
const debounceInterval = 200 * time.Millisecond

// File is a file-backed persistence sink.
//
// SECURITY: This sink handles OAuth credentials. The token file is created
// with 0600 permissions and its directory with 0700; token values are never
// logged.
//
// The file is watched with fsnotify: when another process rewrites it, the
// new token set is pushed to subscribers as a replacement snapshot. The
// sink's own writes are recognized by content hash and not echoed back.
type File struct {
	mu        sync.Mutex
	path      string
	listeners map[int]func([]oauth.Token)
	nextID    int

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	closed  bool

	// lastWritten is the content hash of the sink's own most recent write.
	lastWritten string

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
}

// NewFile creates a file sink at the given path and starts watching it for
// external changes.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors and atomic writers replace
	// the file inode, which would silently drop a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	f := &File{
		path:      path,
		listeners: make(map[int]func([]oauth.Token)),
		watcher:   watcher,
		stopCh:    make(chan struct{}),
	}

	go f.watchLoop()

	return f, nil
}

// Load reads the currently persisted token set. A missing file is an empty
// set, not an error.
func (f *File) Load() ([]oauth.Token, error) {
	// #nosec G304 -- path is fixed at construction, not user input per call
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var tokens []oauth.Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, err
	}

	return tokens, nil
}

// Set persists the full token set. Best effort: failures are logged, never
// returned, because the store does not await persistence.
func (f *File) Set(tokens []oauth.Token) {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal token set for persistence", "error", err.Error())
		return
	}

	f.mu.Lock()
	f.lastWritten = contentHash(data)
	f.mu.Unlock()

	if err := os.WriteFile(f.path, data, 0600); err != nil {
		slog.Warn("failed to persist token set",
			"path", f.path,
			"error", err.Error(),
		)
	}
}

// Subscribe registers a listener for externally-written token sets.
func (f *File) Subscribe(fn func([]oauth.Token)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.listeners[id] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

// Close stops the watcher. Safe to call multiple times.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.stopCh)
	return f.watcher.Close()
}

func (f *File) watchLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(f.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			f.scheduleReload()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("token file watcher error", "error", err.Error())
		}
	}
}

// scheduleReload debounces reloads so that one logical rewrite (which can
// surface as several fs events) produces a single snapshot push.
func (f *File) scheduleReload() {
	f.debounceMu.Lock()
	defer f.debounceMu.Unlock()

	if f.debounceTimer != nil {
		f.debounceTimer.Stop()
	}
	f.debounceTimer = time.AfterFunc(debounceInterval, f.reload)
}

func (f *File) reload() {
	// #nosec G304 -- path is fixed at construction
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to reload token file", "error", err.Error())
		}
		return
	}

	f.mu.Lock()
	if f.closed || contentHash(data) == f.lastWritten {
		// Our own write coming back through the watcher; not an external change.
		f.mu.Unlock()
		return
	}
	listeners := make([]func([]oauth.Token), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()

	var tokens []oauth.Token
	if err := json.Unmarshal(data, &tokens); err != nil {
		slog.Warn("ignoring malformed token file", "path", f.path, "error", err.Error())
		return
	}

	slog.Debug("token file changed externally", "path", f.path, "count", len(tokens))

	for _, fn := range listeners {
		fn(append([]oauth.Token(nil), tokens...))
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
