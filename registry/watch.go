package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch starts a background watcher on the definition files' directories.
// Any filesystem event enqueues a reload; events within the debounce window
// collapse into one. Safe to call once; later calls are no-ops.
func (r *Registry) Watch() error {
	var watchErr error
	r.watchOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			watchErr = fmt.Errorf("failed to create definition watcher: %w", err)
			return
		}

		dirs := map[string]struct{}{
			parentDirOrCurrent(r.toolsPath):   {},
			parentDirOrCurrent(r.promptsPath): {},
			parentDirOrCurrent(r.serverPath):  {},
		}
		for dir := range dirs {
			if err := watcher.Add(dir); err != nil {
				r.logger.Warn("failed to watch definition directory",
					slog.String("dir", dir), slog.String("err", err.Error()))
				continue
			}
			r.logger.Info("watching definition directory", slog.String("dir", dir))
		}

		r.watchDone = make(chan struct{})
		go r.watchLoop(watcher)
	})
	return watchErr
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher) {
	defer close(r.watchDone)
	defer watcher.Close()

	var debounce *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-r.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			r.logger.Debug("definition fs event",
				slog.String("name", event.Name), slog.String("op", event.Op.String()))
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			pending = debounce.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("definition watcher error", slog.String("err", err.Error()))
		case <-pending:
			pending = nil
			r.reload()
		}
	}
}

// Close stops the watcher, if started.
func (r *Registry) Close() {
	close(r.done)
	if r.watchDone != nil {
		<-r.watchDone
	}
}

func parentDirOrCurrent(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}
