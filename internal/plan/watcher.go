package plan

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher signals when the plan file may have changed. A signal only nudges a
// re-read; the content hash decides whether anything actually changed.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}
	logger  zerolog.Logger
}

// NewWatcher watches the directory holding path so atomic replaces are seen.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		changes: make(chan struct{}, 1),
		logger:  logger.With().Str("component", "plan_watcher").Logger(),
	}, nil
}

// Changes returns the coalesced change signal channel.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run forwards file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Plan watcher error")
		}
	}
}
