package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets an editor finish writing before the file is reread.
const settleDelay = 20 * time.Millisecond

// Watcher rereads a config file whenever it changes and hands every valid
// version to a callback. Invalid versions are logged and skipped.
type Watcher struct {
	path    string
	apply   func(Config)
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	doneCh  chan struct{}
}

// NewWatcher starts watching path.
func NewWatcher(path string, apply func(Config), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{
		path:    path,
		apply:   apply,
		logger:  logger.With("component", "config", "path", path),
		watcher: fw,
		doneCh:  make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.doneCh)
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case _, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.drain()
			w.reload()
			// Editors replace files by rename, which drops the watch.
			if err := w.watcher.Add(w.path); err != nil {
				w.logger.Warn("rewatch failed", "error", err)
			}
		}
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

// drain swallows the burst of events one save produces.
func (w *Watcher) drain() {
	for {
		time.Sleep(settleDelay)
		select {
		case <-w.watcher.Events:
		default:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return
	}
	w.logger.Info("config reloaded")
	w.apply(cfg)
}
