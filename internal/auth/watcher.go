package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tokenFileDebounce batches the burst of events editors and secret
// managers produce when replacing a file.
const tokenFileDebounce = 250 * time.Millisecond

// ReadTokenFile returns the trimmed contents of path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// FileWatcher rotates a Provider whenever the token file changes.
type FileWatcher struct {
	path     string
	provider *Provider
	logger   *slog.Logger
}

// NewFileWatcher creates a watcher for the token file at path.
func NewFileWatcher(path string, provider *Provider, logger *slog.Logger) *FileWatcher {
	return &FileWatcher{
		path:     filepath.Clean(path),
		provider: provider,
		logger:   logger,
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched
// rather than the file so atomic replace-by-rename is picked up.
func (w *FileWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching token dir: %w", err)
	}

	w.logger.Info("token file watcher started", slog.String("path", w.path))

	// Pick up anything written between startup and the watch being added.
	w.reload()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(tokenFileDebounce)
			} else {
				timer.Reset(tokenFileDebounce)
			}

			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("token file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *FileWatcher) reload() {
	token, err := ReadTokenFile(w.path)
	if err != nil {
		// A rename-replace briefly leaves no file; the Create that
		// follows triggers another reload.
		w.logger.Debug("token file unreadable", slog.String("error", err.Error()))
		return
	}

	w.provider.Rotate(token)
}
