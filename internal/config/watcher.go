package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

// fileState identifies one observed version of the config file.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and hands every new valid version to a
// callback. Versions that fail to load are logged and skipped, leaving the
// last valid config in effect.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the
// default of 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and returns a watcher for it. Polling
// starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	data, state, err := snapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, state
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done or [Watcher.Stop] is called.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			if old, next := w.poll(); next != nil && w.onChange != nil {
				w.onChange(old, next)
			}
		}
	}
}

// Stop ends [Watcher.Run]. Further calls are no-ops.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// poll returns the previous and the newly installed config when the file
// holds a new valid version, and a nil next config otherwise.
func (w *Watcher) poll() (old, next *Config) {
	log := slog.With("path", w.path)

	info, err := os.Stat(w.path)
	if err != nil {
		log.Warn("config watcher: stat failed", "err", err)
		return nil, nil
	}
	w.mu.Lock()
	sameTime := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if sameTime {
		return nil, nil
	}

	data, state, err := snapshot(w.path)
	if err != nil {
		log.Warn("config watcher: read failed", "err", err)
		return nil, nil
	}

	// A touch or an identical rewrite only moves the mtime. A broken version
	// is recorded too, so it is reported once rather than on every tick.
	w.mu.Lock()
	sameContent := state.sum == w.seen.sum
	w.seen = state
	w.mu.Unlock()
	if sameContent {
		return nil, nil
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		log.Warn("config watcher: new version rejected, keeping current config", "err", err)
		return nil, nil
	}

	w.mu.Lock()
	old, w.current = w.current, cfg
	w.mu.Unlock()

	log.Info("config watcher: configuration reloaded")
	return old, cfg
}

// snapshot reads the file together with the state it was read at.
func snapshot(path string) ([]byte, fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileState{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileState{}, err
	}
	return buf.Bytes(), fileState{mtime: info.ModTime(), sum: sha256.Sum256(buf.Bytes())}, nil
}
