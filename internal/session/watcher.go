package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 200 * time.Millisecond

// FileWatcher reapplies the sessions file whenever it changes. The parent
// directory is watched so editors that replace the file are handled.
type FileWatcher struct {
	mapper   *Mapper
	path     string
	debounce time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(mapper *Mapper, path string, debounce time.Duration, logger *zap.Logger) *FileWatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &FileWatcher{
		mapper:   mapper,
		path:     filepath.Clean(path),
		debounce: debounce,
		logger:   logger,
	}
}

// Watch blocks until ctx is done.
func (fw *FileWatcher) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(fw.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(fw.path), err)
	}
	fw.logger.Info("watching sessions file", zap.String("path", fw.path))

	defer fw.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			fw.schedule(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			fw.logger.Error("sessions file watcher error", zap.Error(err))
		}
	}
}

func (fw *FileWatcher) schedule(ctx context.Context) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := fw.mapper.ReloadFile(ctx, fw.path); err != nil {
			fw.logger.Error("sessions file reload failed", zap.String("path", fw.path), zap.Error(err))
		}
	})
}

func (fw *FileWatcher) stopTimer() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
}
