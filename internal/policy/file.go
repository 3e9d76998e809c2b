package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a rule document from a YAML or JSON file:
//
//	R-CEIL:
//	  daily_limit: 500000
//	  action: block
func LoadFile(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("policy file %s has no rules", path)
	}
	doc := make(map[string]json.RawMessage, len(parsed))
	for id, body := range parsed {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("policy file rule %s: %w", id, err)
		}
		doc[id] = raw
	}
	return doc, nil
}

const defaultDebounce = 250 * time.Millisecond

// FileWatcher applies a policy file through Manager.Update whenever it
// changes on disk. Invalid edits are logged and the current version stays.
type FileWatcher struct {
	path     string
	manager  *Manager
	logger   *slog.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewFileWatcher creates a watcher for path.
func NewFileWatcher(path string, manager *Manager, logger *slog.Logger) *FileWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		path:     filepath.Clean(path),
		manager:  manager,
		logger:   logger,
		debounce: defaultDebounce,
	}
}

// Watch blocks until ctx is cancelled. The parent directory is watched so
// that editors which replace the file by rename are still seen.
func (w *FileWatcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("policy file watcher started", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(ctx)
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("policy file watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.apply(ctx) })
}

func (w *FileWatcher) apply(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	doc, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("policy file reload failed", "path", w.path, "error", err)
		return
	}
	p, err := w.manager.Update(ctx, doc)
	if err != nil {
		w.logger.Error("policy file rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy file applied", "path", w.path, "version", p.Version)
}
