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

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher tracks a config file and reports valid edits as a [ConfigDiff].
// Files that fail to load or validate are logged and the previous config is
// kept.
type Watcher struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	hash    [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling period. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. The default is [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.hash = snap.cfg, snap.mtime, snap.hash
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled and calls onChange whenever a
// reload yields a non-empty diff. It always returns nil.
func (w *Watcher) Run(ctx context.Context, onChange func(ConfigDiff, *Config)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d, cfg, changed, err := w.Reload()
			if err != nil {
				w.logger.Warn("config: keeping previous config", "path", w.path, "err", err)
				continue
			}
			if changed && d.Changed() && onChange != nil {
				onChange(d, cfg)
			}
		}
	}
}

// Reload checks the file now. changed is false when the file is untouched or
// touched without a content change; a changed file may still yield an empty
// diff, e.g. after a comment edit. On error the current config stays.
func (w *Watcher) Reload() (d ConfigDiff, cfg *Config, changed bool, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, nil, false, err
	}
	w.mu.Lock()
	same := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if same {
		return ConfigDiff{}, nil, false, nil
	}

	snap, err := w.read()
	if err != nil {
		return ConfigDiff{}, nil, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.mtime = snap.mtime
	if snap.hash == w.hash {
		return ConfigDiff{}, nil, false, nil
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.logger.Info("config: reloaded", "path", w.path)
	return Diff(old, snap.cfg), snap.cfg, true, nil
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	hash  [sha256.Size]byte
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
