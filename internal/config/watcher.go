package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
)

// Watcher keeps the most recent valid [Config] loaded from a file. It
// re-reads the file on a timer while [Watcher.Run] is active and whenever
// [Watcher.Reload] is called, and notifies subscribers when the content
// changed and still validates. A broken edit is logged and ignored.
type Watcher struct {
	path  string
	every time.Duration

	reload sync.Mutex // serialises file checks

	mu   sync.Mutex
	cur  *Config
	seen fileState
	subs []func(old, updated *Config)
}

// fileState identifies a version of the config file.
type fileState struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling period used by Run. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher loads path and returns a Watcher holding it. Polling starts
// with Run.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, every: 5 * time.Second}
	for _, o := range opts {
		o(w)
	}
	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	w.cur, w.seen = cfg, st
	return w, nil
}

// Subscribe registers fn to run after every accepted reload. Subscribers
// run in registration order on the goroutine that detected the change.
func (w *Watcher) Subscribe(fn func(old, updated *Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Current returns the config in effect.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Run polls the file until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload rejected, keeping current config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file now. It reports whether a new config was
// accepted; an unreadable or invalid file yields an error and leaves the
// current config in place.
func (w *Watcher) Reload() (bool, error) {
	w.reload.Lock()
	defer w.reload.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("config: stat %q: %w", w.path, err)
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mod) && info.Size() == seen.size {
		return false, nil
	}

	cfg, st, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	old := w.cur
	w.cur, w.seen = cfg, st
	subs := slices.Clone(w.subs)
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	for _, fn := range subs {
		fn(old, cfg)
	}
	return true, nil
}

// read loads and validates the file and returns it with its state.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, fmt.Errorf("config: parse %q: %w", w.path, err)
	}
	return cfg, fileState{mod: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
