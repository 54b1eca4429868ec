package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crewkit/crewkit/crew"
)

// reloadDebounce coalesces bursts of file events into one registry reload.
const reloadDebounce = 500 * time.Millisecond

// watchCrewRoot watches the crew root and its agent subdirectories and
// reloads the crew registry when YAML definitions change.
func watchCrewRoot(ctx context.Context, crewRoot string, crews *crew.Registry) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(crewRoot); err != nil {
		watcher.Close()
		return nil, err
	}
	entries, err := os.ReadDir(crewRoot)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				if err := watcher.Add(filepath.Join(crewRoot, entry.Name())); err != nil {
					slog.Warn("failed to watch crew directory", "dir", entry.Name(), "error", err)
				}
			}
		}
	}

	go func() {
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := watcher.Add(event.Name); err != nil {
							slog.Warn("failed to watch new crew directory", "dir", event.Name, "error", err)
						}
						continue
					}
				}
				if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					slog.Info("crew definitions changed, reloading")
					crews.ReloadAll(ctx)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("crew watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}
