package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const scriptDebounce = 200 * time.Millisecond

// WatchScript restarts the worker whenever its script changes on disk: a write, create or rename
// of the script requests close, so the next GoOnline spawns the new version.
// It blocks until ctx is done or the watcher fails.
func (d *Driver) WatchScript(ctx context.Context) error {
	script, err := filepath.Abs(d.cfg.Supervisor.Script)
	if err != nil {
		return fmt.Errorf("resolving script path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// editors often replace the file, so the directory is watched instead of the file
	if err := watcher.Add(filepath.Dir(script)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(script), err)
	}
	d.log.Debugw("watching worker script", "Script", script)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != script || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(scriptDebounce)
		case <-debounce.C:
			d.log.Infow("worker script changed, restarting worker", "Script", script)
			d.RequestClose()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watching script: %w", err)
		}
	}
}
