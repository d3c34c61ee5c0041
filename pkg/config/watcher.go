package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWindow coalesces the burst of filesystem events editors emit for a
// single save.
const debounceWindow = 200 * time.Millisecond

// OnReload receives the freshly loaded configuration after a file change.
type OnReload func(cfg Config)

// Watcher reloads the configuration file on change, so governance limit
// edits take effect without a restart. Invalid edits are logged and skipped;
// the previous configuration stays active.
type Watcher struct {
	path    string
	onLoad  OnReload
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string, log zerolog.Logger, onLoad OnReload) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would go stale.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching config directory: %w", err)
	}
	return &Watcher{
		path:    path,
		onLoad:  onLoad,
		log:     log.With().Str("component", "config-watcher").Logger(),
		watcher: fw,
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("ignoring invalid config change")
		return
	}
	w.log.Info().Str("path", w.path).Msg("configuration reloaded")
	w.onLoad(cfg)
}
