package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay debounces bursts of writes to the properties file.
const reloadDelay = 500 * time.Millisecond

// Watch reloads the ledger whenever the properties file is replaced or
// written, until ctx is cancelled. It watches the experiment directory since
// the file is replaced by rename.
func (s *Server) Watch(ctx context.Context) error {
	path := filepath.Clean(s.lab.Experiment().PropertiesPath())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create experiment directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go s.processEvents(ctx, watcher, path)
	s.logger.WithField("path", path).Info("watching properties file")
	return nil
}

func (s *Server) processEvents(ctx context.Context, watcher *fsnotify.Watcher, path string) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.logger.Debugf("properties file changed (%s)", event.Op)

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := s.Reload(); err != nil {
					s.logger.WithError(err).Error("failed to reload properties")
					return
				}
				s.logger.Info("properties reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("watcher error")
		}
	}
}
