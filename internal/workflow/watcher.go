package workflow

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads definition files as they are written to a definitions
// directory and hands each valid definition to a callback.
type Watcher struct {
	dir       string
	watcher   *fsnotify.Watcher
	onChange  func(context.Context, *Definition) error
	logger    *slog.Logger
	debounce  time.Duration
	debouncer map[string]time.Time
}

// NewWatcher watches dir and its subdirectories.
func NewWatcher(dir string, onChange func(context.Context, *Definition) error, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:       dir,
		watcher:   fsw,
		onChange:  onChange,
		logger:    logger,
		debounce:  200 * time.Millisecond,
		debouncer: make(map[string]time.Time),
	}
	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// Run processes file events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("definition watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if !IsDefinitionFile(event.Name) {
		return
	}

	now := time.Now()
	if last, ok := w.debouncer[event.Name]; ok && now.Sub(last) < w.debounce {
		return
	}

	// A create event may arrive before the content is written; the following
	// write event retries.
	def, err := LoadFile(event.Name)
	if err != nil {
		w.logger.Warn("ignoring invalid definition file", "file", event.Name, "error", err)
		return
	}
	w.debouncer[event.Name] = now
	if err := w.onChange(ctx, def); err != nil {
		w.logger.Error("failed to register definition", "file", event.Name, "definition", Ref{ID: def.ID, Version: def.Version}.String(), "error", err)
		return
	}
	w.logger.Info("definition loaded", "file", event.Name, "definition", Ref{ID: def.ID, Version: def.Version}.String())
}
