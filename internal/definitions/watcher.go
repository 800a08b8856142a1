package definitions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads definitions when files under the path change, until ctx is
// cancelled. Bursts of events within debounce trigger a single reload.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	dirs, err := l.watchDirs()
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}
	l.logger.Info("Watching definitions for changes", "path", l.path, "debounce", debounce)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !l.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			l.logger.Debug("Definitions changed", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("Definitions watcher error", "error", err)
		case <-timer.C:
			if _, err := l.Load(); err != nil {
				l.logger.Error("Failed to reload definitions, keeping previous snapshot", "error", err)
			}
		}
	}
}

func (l *Loader) relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return false
	}
	if info, err := os.Stat(l.path); err == nil && !info.IsDir() {
		return filepath.Clean(ev.Name) == filepath.Clean(l.path)
	}
	if isDefinitionFile(ev.Name) {
		return true
	}
	// new subdirectories
	info, err := os.Stat(ev.Name)
	return err == nil && info.IsDir()
}

// watchDirs lists the directories to watch: the file's parent, or the tree
func (l *Loader) watchDirs() ([]string, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", l.path, err)
	}
	if !info.IsDir() {
		return []string{filepath.Dir(l.path)}, nil
	}
	var dirs []string
	err = filepath.WalkDir(l.path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", l.path, err)
	}
	return dirs, nil
}
