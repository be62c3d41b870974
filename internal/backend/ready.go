package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForPath waits until path exists. It watches the parent directory
// when possible and polls every poll interval regardless, since the parent
// may not exist yet.
func WaitForPath(ctx context.Context, path string, timeout, poll time.Duration) error {
	if exists(path) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if exists(path) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s did not appear within %s", ErrNotReady, path, timeout)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-ticker.C:
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
