package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch observes settings.yaml and invokes onChange with a freshly loaded
// Config whenever the file is rewritten. Only the public subset should be
// consumed from reloads (model profiles, heartbeat settings); security and
// bind settings require a restart.
//
// Editor save patterns (rename + create) and rapid successive writes are
// debounced with a short quiet period. Reload failures are logged and the
// previous configuration stays in effect.
func Watch(ctx context.Context, configDir string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		const quiet = 250 * time.Millisecond
		var timer *time.Timer
		target := filepath.Join(configDir, SettingsFile)

		reload := func() {
			cfg, err := Initialize(ctx, configDir)
			if err != nil {
				slog.Warn("Settings reload failed, keeping previous configuration", "error", err)
				return
			}
			slog.Info("Settings reloaded")
			onChange(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(quiet, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Settings watcher error", "error", err)
			}
		}
	}()

	return nil
}
