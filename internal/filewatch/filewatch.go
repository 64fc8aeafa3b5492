// Package filewatch reloads a config file whenever it changes on disk.
package filewatch

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/paulloo/countdown3d/internal/logging"
)

// Watch monitors path and, on every write, parses it with load and passes the
// result to onChange. It runs until ctx is cancelled.
//
// A failed load is logged and skipped; the caller keeps its previous value.
func Watch[T any](ctx context.Context, path string, load func(string) (T, error), logger *slog.Logger, onChange func(T)) error {
	logger = logging.Default(logger).With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	logger.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors often save by rename, so Create counts as a write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			v, err := load(path)
			if err != nil {
				logger.Error("config: reload failed, keeping previous config",
					"path", path, "err", err)
				continue
			}

			logger.Info("config: reloaded", "path", path)
			onChange(v)

			// An atomic save replaces the inode.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config: watcher error", "err", err)
		}
	}
}
