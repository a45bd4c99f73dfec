package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/erilali/wsrelay/internal/logger"
)

// Watch reloads path whenever it changes and passes the new Config to
// onChange. It runs until ctx is cancelled. A reload that fails to parse or
// validate is logged and the previous config stays in effect.
//
// The parent directory is watched rather than the file itself, so saves that
// write a temp file and rename it over path keep being observed.
func Watch(ctx context.Context, path string, log *logger.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	log.Infof("Watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// A rename onto path arrives as Create; Remove and Rename of the
			// old file are followed by that Create, so they are skipped.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Errorf("Config reload failed, keeping previous config: %v", err)
				continue
			}
			log.Infof("Config reloaded from %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("Config watcher error: %v", err)
		}
	}
}
