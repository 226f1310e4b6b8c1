package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the holder's config file whenever it changes on disk and
// calls onChange with each successfully loaded config. Invalid files are
// logged and ignored. The parent directory is watched because editors
// replace files by rename. Blocks until ctx is canceled.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onChange func(*Config)) error {
	path := filepath.Clean(h.Path())
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("config: creating config directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	logger.Debug("watching config file", slog.String("path", path))

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			timer.Reset(reloadDebounce)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", werr.Error()))

		case <-timer.C:
			cfg, rerr := h.Reload()
			if rerr != nil {
				logger.Warn("config reload rejected, keeping previous config",
					slog.String("path", path),
					slog.String("error", rerr.Error()),
				)

				continue
			}

			logger.Info("config reloaded", slog.String("path", path))

			if onChange != nil {
				onChange(cfg)
			}
		}
	}
}
