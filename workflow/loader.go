package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryansmccoy/spine-core-sub006/core"
)

// Loader publishes workflow definitions from a directory of YAML
// files. A file whose content matches the latest published version is
// left alone; a changed file publishes the next version. Watch keeps
// the registry current as files change on disk.
type Loader struct {
	registry *Registry
	dir      string
	logger   core.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewLoader creates a loader for a definitions directory.
func NewLoader(registry *Registry, dir string, logger core.Logger) *Loader {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Loader{registry: registry, dir: dir, logger: logger}
}

// LoadDir parses every .yaml/.yml file in the directory and publishes
// the definitions that changed. A malformed file is logged and skipped
// so one bad definition cannot block the rest.
func (l *Loader) LoadDir(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read workflow directory %s: %w", l.dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(l.dir, entry.Name()))
	}
	sort.Strings(files)

	published := 0
	for _, path := range files {
		changed, err := l.loadFile(ctx, path)
		if err != nil {
			l.logger.Warn("Failed to load workflow file", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		if changed {
			published++
		}
	}
	return published, nil
}

// Watch starts publishing file changes until the context ends or the
// loader is closed. LoadDir is typically called first for the initial
// sweep.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create workflow watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 || !isYAML(ev.Name) {
					continue
				}
				changed, err := l.loadFile(ctx, ev.Name)
				if err != nil {
					l.logger.Warn("Failed to reload workflow file", map[string]interface{}{
						"path":  ev.Name,
						"error": err.Error(),
					})
					continue
				}
				if changed {
					l.logger.Info("Workflow file reloaded", map[string]interface{}{"path": ev.Name})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("Workflow watcher error", map[string]interface{}{"error": err.Error()})
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher and waits for the event loop.
func (l *Loader) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	l.watcher = nil
	l.mu.Unlock()
	if watcher != nil {
		_ = watcher.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Loader) loadFile(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Renamed away between the event and the read.
			return false, nil
		}
		return false, err
	}
	wf, err := ParseYAML(data)
	if err != nil {
		return false, err
	}
	return l.publishIfChanged(ctx, wf)
}

// publishIfChanged publishes only when the definition differs from the
// latest stored version, so repeated sweeps and duplicate file events
// do not mint versions.
func (l *Loader) publishIfChanged(ctx context.Context, wf *Workflow) (bool, error) {
	latest, err := l.registry.Get(ctx, wf.Name)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return false, err
	}
	if latest != nil && definitionFingerprint(latest) == definitionFingerprint(wf) {
		return false, nil
	}
	if _, err := l.registry.Publish(ctx, wf); err != nil {
		return false, err
	}
	return true, nil
}

// definitionFingerprint renders the version-independent content of a
// definition for change detection.
func definitionFingerprint(w *Workflow) string {
	copied := *w
	copied.Version = 0
	copied.CreatedAt = time.Time{}
	raw, err := json.Marshal(&copied)
	if err != nil {
		return ""
	}
	return string(raw)
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
