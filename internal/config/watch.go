package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// debounceWindow coalesces the event bursts editors produce on save.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file layer when the file changes on disk.
// Environment- and patch-owned fields are never overwritten by a reload.
type Watcher struct {
	cfg      *Config
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	stop     chan struct{}
}

// NewWatcher creates a watcher for the file cfg was loaded from. The
// onChange callback runs after every successful reload; callers use it
// to push the new values into dependent components. Returns nil (no
// watcher) when cfg was not loaded from a file.
func NewWatcher(cfg *Config, logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	if cfg.filePath == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:      cfg,
		logger:   logger,
		watcher:  fw,
		onChange: onChange,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins watching. Editors replace files by rename, so the parent
// directory is watched and events are filtered to the config file name.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.cfg.filePath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		// Already stopped
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.cfg.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				debounce.Reset(debounceWindow)
			}
			debounceC = debounce.C
		case <-debounceC:
			debounceC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	if err := w.cfg.Reload(); err != nil {
		w.logger.Warn("ignoring invalid config file on reload",
			zap.String("path", w.cfg.filePath), zap.Error(err))
		return
	}
	w.logger.Info("configuration file reloaded", zap.String("path", w.cfg.filePath))
	if w.onChange != nil {
		w.onChange(w.cfg)
	}
}
