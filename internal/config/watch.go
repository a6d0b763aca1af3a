package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch observes the holder's config file and offers each successfully
// loaded config to apply through the holder. The parent directory is watched
// rather than the file so editors that save by rename are still seen. Files
// that fail to load, and configs apply rejects, are logged and the previous
// config stays in effect.
//
// Watch blocks until ctx is cancelled and returns nil in that case.
func Watch(ctx context.Context, h *Holder, env EnvOverrides, cli CLIOverrides,
	logger *slog.Logger, apply func(prev, next *Config) error,
) error {
	path := h.Path()
	if path == "" {
		return fmt.Errorf("config: no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Info("watching config file", slog.String("path", path))

	name := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("config: watcher event channel closed")
			}

			if filepath.Clean(event.Name) != name {
				continue
			}

			// A rename away leaves nothing to load; the Create that follows an
			// atomic save carries the new content.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Reload(path, env, cli)
			if err != nil {
				logger.Error("config reload failed, keeping previous config",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				continue
			}

			if err := h.Apply(cfg, apply); err != nil {
				logger.Warn("config reload rejected, keeping previous config",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)

				continue
			}

			logger.Info("config reloaded",
				slog.String("path", path),
				slog.Uint64("generation", h.Generation()),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("config: watcher error channel closed")
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
