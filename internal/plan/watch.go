// watch.go reloads the plans file when it changes on disk.
package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watch reloads path into the registry whenever it changes, until ctx is
// done. It watches the containing directory because editors typically
// replace the file rather than writing it in place. A failed reload keeps
// the previously loaded plans and prints a warning; new sessions simply
// keep using what was last valid.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(path)

	// Debounce timer, created stopped.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Editors fire bursts of events per save; collapse them.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceDelay)

		case <-timer.C:
			if err := r.LoadFile(path); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to reload plans from %s: %v\n", path, err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Warning: plans watcher error: %v\n", err)

		case <-ctx.Done():
			return nil
		}
	}
}
