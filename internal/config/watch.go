package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	log      *logrus.Entry
	debounce time.Duration
}

// NewWatcher returns a watcher for the config file at path.
func NewWatcher(path string, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		path:     path,
		log:      logger.WithField("component", "config"),
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled and calls onChange with every config
// that loads and validates after a change. Editors often write a file in
// several steps, so events are coalesced for a short debounce period. An
// invalid file is logged and skipped; the previous config stays in effect.
func (w *Watcher) Run(ctx context.Context, onChange func(*Config)) error {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors that replace the file would drop a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("config watch error")

		case <-timer.C:
			cfg, _, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("ignoring config change")
				continue
			}
			w.log.WithField("path", w.path).Info("config changed")
			onChange(cfg)
		}
	}
}
