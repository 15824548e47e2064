package subscriptions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/InstruktAI/TeleClaude-sub013/logging"
)

// FileSource serves subscriptions from a YAML file and reloads it when the
// file changes. A reload that fails to parse keeps the last good document.
type FileSource struct {
	*Static
	path     string
	debounce time.Duration
	logger   *logging.Logger
}

// NewFileSource loads path. A missing file means nobody is subscribed.
func NewFileSource(path string, logger *logging.Logger) (*FileSource, error) {
	fs := &FileSource{
		Static:   NewStatic(nil),
		path:     path,
		debounce: 100 * time.Millisecond,
		logger:   logging.OrDiscard(logger).WithComponent("subscriptions"),
	}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the watched file.
func (f *FileSource) Path() string { return f.path }

// Reload re-reads the file.
func (f *FileSource) Reload() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		f.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read subscriptions: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return err
	}
	f.set(doc)
	f.logger.Info("subscriptions_loaded", map[string]interface{}{
		"path":   f.path,
		"people": len(doc.People),
	})
	return nil
}

// Run watches the file's directory and reloads on change until ctx is done.
// Editors that replace the file by rename are handled because the
// directory, not the file, is watched.
func (f *FileSource) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	name := filepath.Base(f.path)
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
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(f.debounce)
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			if err := f.Reload(); err != nil {
				f.logger.Warn("subscriptions_reload_failed", map[string]interface{}{
					"path":  f.path,
					"error": err.Error(),
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("fsnotify_error", map[string]interface{}{"error": err.Error()})
		}
	}
}
