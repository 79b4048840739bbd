package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/vadcal/pkg/preset"
)

// Watcher monitors the preset document for changes and publishes each valid
// revision into a [preset.Registry]. It uses polling (not fsnotify) to keep
// dependencies minimal. An invalid revision is logged and the registry keeps
// serving the previous one.
type Watcher struct {
	path     string
	interval time.Duration
	registry *preset.Registry
	onChange func(PresetDiff)

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime  time.Time
	lastHash   [sha256.Size]byte
	lastReload time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after every published revision
// that differs from the previous one.
func WithOnChange(fn func(PresetDiff)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher creates a preset watcher publishing into reg. It loads the
// document immediately and starts polling in a background goroutine. A
// missing file publishes an empty set.
func NewWatcher(path string, reg *preset.Registry, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		registry: reg,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	entries, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	if err := reg.Replace(entries); err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.lastHash = hash
	w.lastMtime = mtime
	w.lastReload = time.Now()

	go w.poll()
	return w, nil
}

// Registry returns the registry the watcher publishes into.
func (w *Watcher) Registry() *preset.Registry {
	return w.registry
}

// LastReload returns when the last revision was published.
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the document periodically.
func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the document and, if it has changed and is valid, publishes it
// and calls onChange.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("preset watcher: file does not exist yet", "path", w.path)
		return
	}
	if err != nil {
		slog.Warn("preset watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	entries, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("preset watcher: failed to load presets", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.registry.Entries()
	if err := w.registry.Replace(entries); err != nil {
		w.mu.Unlock()
		slog.Warn("preset watcher: rejected invalid presets", "path", w.path, "err", err)
		return
	}
	w.lastHash = hash
	w.lastMtime = newMtime
	w.lastReload = time.Now()
	w.mu.Unlock()

	diff := DiffPresets(old, entries)
	slog.Info("preset watcher: presets reloaded",
		"path", w.path,
		"entries", len(entries),
		"added", len(diff.Added),
		"changed", len(diff.Changed),
		"removed", len(diff.Removed),
	)

	// Invoke the callback outside the lock.
	if w.onChange != nil && !diff.Empty() {
		w.onChange(diff)
	}
}

// loadAndHash reads and decodes the document, returning the entries alongside
// the file's SHA-256 hash and modification time.
func (w *Watcher) loadAndHash() ([]preset.Entry, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, zeroHash, time.Time{}, nil
	}
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	entries, err := preset.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	return entries, sha256.Sum256(data), info.ModTime(), nil
}
