package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/stitchworks/crochet3d/internal/logging"
)

// Watch reloads path whenever it is written or replaced and hands each
// valid configuration to fn. Invalid edits are logged and skipped, so fn
// only ever sees configurations that passed Validate. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, log logging.Logger, fn func(Config)) error {
	if log == nil {
		log = logging.Noop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory and filter.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Debug(ctx, "watching config", logging.String("path", abs))

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				log.Warn(ctx, "config reload rejected", logging.String("path", abs), logging.Err(err))
				continue
			}
			log.Info(ctx, "config reloaded", logging.String("path", abs))
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn(ctx, "config watcher error", logging.Err(err))
		case <-ctx.Done():
			return nil
		}
	}
}
